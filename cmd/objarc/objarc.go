package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/objarc/objarc/internal/addrfd"
	"github.com/objarc/objarc/internal/env"
	"github.com/objarc/objarc/internal/fsheader"
	"github.com/objarc/objarc/internal/fuseadapter"
	"github.com/objarc/objarc/internal/oninterrupt"
	"github.com/objarc/objarc/internal/store"
	"github.com/objarc/objarc/internal/trace"

	"github.com/objarc/objarc"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for objarc %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

// readPassphrase prompts on the controlling terminal unless -nopass was
// given, in which case the store runs under fsheader.KDFNone.
func readPassphrase(prompt string, nopass bool) ([]byte, error) {
	if nopass {
		return nil, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, xerrors.New("objarc: stdin is not a terminal; pass -nopass or run interactively")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, xerrors.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}

const createHelp = `objarc create [-flags] <device> [<device>...]

Format one or more device files as a new object store. Every argument
becomes its own single-device mirror chain, so passing two devices
creates a 2-way mirrored store.

Example:
  % objarc create -size=1GiB ./store.img
`

func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	for suffix, m := range map[string]uint64{
		"KiB": 1 << 10, "MiB": 1 << 20, "GiB": 1 << 30, "TiB": 1 << 40,
	} {
		if strings.HasSuffix(s, suffix) {
			mult = m
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func cmdcreate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	fset.Usage = usage(fset, createHelp)
	var (
		size        = fset.String("size", "1GiB", "size of each created device file, e.g. 4GiB")
		blockSizeExp = fset.Int("blocksize-exponent", 12, "log2 of the device block size in bytes (12 = 4096)")
		maxRecordExp = fset.Int("maxrecord-exponent", int(store.DefaultMaxRecordSize), "log2 of the largest record payload in bytes")
		compression = fset.String("compression", "lz4", "payload compression: none, lz4 or zstd")
		cipherName  = fset.String("cipher", "chacha20-poly1305", "payload cipher: none or chacha20-poly1305")
		nopass      = fset.Bool("nopass", false, "create the store without a passphrase")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return xerrors.New("syntax: objarc create [-flags] <device> [<device>...]")
	}

	bytesPerDevice, err := parseSize(*size)
	if err != nil {
		return xerrors.Errorf("-size: %w", err)
	}
	blockSize := store.BlockSize(*blockSizeExp)
	blockCount := bytesPerDevice / uint64(blockSize.Bytes())

	var compr store.Compression
	switch *compression {
	case "none":
		compr = store.CompressionNone
	case "lz4":
		compr = store.CompressionLz4
	case "zstd":
		compr = store.CompressionZstd
	default:
		return xerrors.Errorf("unknown -compression %q", *compression)
	}

	var cipherType store.CipherType
	switch *cipherName {
	case "none":
		cipherType = store.CipherNoneXxh3
	case "chacha20-poly1305":
		cipherType = store.CipherXChaCha20Poly1305
	default:
		return xerrors.Errorf("unknown -cipher %q", *cipherName)
	}

	chains := make([][]store.Device, len(fset.Args()))
	for i, path := range fset.Args() {
		d, err := store.CreateFileDevice(path, blockSize, blockCount)
		if err != nil {
			return xerrors.Errorf("creating %s: %w", path, err)
		}
		chains[i] = []store.Device{d}
	}
	devices, err := store.NewDeviceSet(chains)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase("Passphrase: ", *nopass)
	if err != nil {
		return err
	}
	kdf := fsheader.KDFArgon2id
	if *nopass {
		kdf = fsheader.KDFNone
	}
	var salt [16]byte
	if kdf != fsheader.KDFNone {
		if _, err := rand.Read(salt[:]); err != nil {
			return err
		}
	}

	codec := fsheader.NewCodec(devices, passphrase)
	config := fsheader.NewConfiguration(blockSize, store.MaxRecordSize(*maxRecordExp), len(chains), 0, compr, cipherType)
	codec.Init(kdf, salt, config)
	cipher := store.Cipher{Type: cipherType}
	cipher.Data, cipher.Meta = codec.Keys()

	s, err := store.Format(ctx, devices, cipher, store.MaxRecordSize(*maxRecordExp), compr, store.CacheLimits{}, codec)
	if err != nil {
		return xerrors.Errorf("formatting store: %w", err)
	}
	return s.Commit(ctx)
}

const mountHelp = `objarc mount [-flags] <device> [<device>...] <mountpoint>

Mount a previously created object store as a FUSE filesystem. Each live
object appears as a file named after its decimal id in the mountpoint's
root directory.

Example:
  % objarc mount ./store.img /mnt/objarc
`

// openExistingDevices opens every path as its own single-device mirror
// chain, matching the layout objarc create gives them.
func openExistingDevices(paths []string, guessBlockSize store.BlockSize) ([][]store.Device, error) {
	chains := make([][]store.Device, len(paths))
	for i, p := range paths {
		d, err := store.OpenFileDevice(p, guessBlockSize)
		if err != nil {
			return nil, xerrors.Errorf("opening %s: %w", p, err)
		}
		chains[i] = []store.Device{d}
	}
	return chains, nil
}

func cmdmount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	fset.Usage = usage(fset, mountHelp)
	var (
		nopass       = fset.Bool("nopass", false, "the store was created without a passphrase")
		hardLimit    = fset.Int64("cache-hard-limit", 256<<20, "bytes of record tree nodes the cache may hold resident before Get blocks")
		softLimit    = fset.Int64("cache-soft-limit", 128<<20, "advisory cache headroom below the hard limit")
		blockSizeExp = fset.Int("blocksize-exponent", 12, "log2 of the device block size in bytes, used only to open the header before its Configuration is known")
		allowRepair  = fset.Bool("repair", true, "re-seed a mirror that fails its integrity check once a good copy is found")
	)
	fset.Parse(args)
	if fset.NArg() < 2 {
		return xerrors.New("syntax: objarc mount [-flags] <device> [<device>...] <mountpoint>")
	}
	devicePaths := fset.Args()[:fset.NArg()-1]
	mountpoint := fset.Arg(fset.NArg() - 1)

	chains, err := openExistingDevices(devicePaths, store.BlockSize(*blockSizeExp))
	if err != nil {
		return err
	}
	devices, err := store.NewDeviceSet(chains)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase("Passphrase: ", *nopass)
	if err != nil {
		return err
	}
	codec := fsheader.NewCodec(devices, passphrase)

	// store.Load needs the cipher and record parameters up front, but
	// those live in the store's Configuration, which is only known once
	// the header has been read. Reading it here first, then letting
	// store.Load read it again through codec, costs one extra header
	// read but keeps store.Load's signature free of fsheader-specific
	// knowledge. codec.Load records the header's KDF, salt,
	// Configuration and derived keys in codec (read just below);
	// repeating it re-reads the same header and records the same values,
	// so the repeat is safe.
	if _, err := codec.Load(ctx); err != nil {
		return xerrors.Errorf("reading header: %w", err)
	}
	config := codec.Configuration()
	cipher := store.Cipher{Type: config.Cipher()}
	cipher.Data, cipher.Meta = codec.Keys()

	s, err := store.Load(ctx, devices, cipher, config.MaxRecordSize(), config.Compression(), store.CacheLimits{Hard: *hardLimit, Soft: *softLimit}, codec)
	if err != nil {
		return xerrors.Errorf("loading store: %w", err)
	}
	s.SetRepair(*allowRepair)

	fs := fuseadapter.New(s)
	oninterrupt.Register(func() {
		if err := s.Commit(context.Background()); err != nil {
			log.Printf("commit on interrupt: %v", err)
		}
	})
	join, err := fuseadapter.Mount(ctx, fs, mountpoint)
	if err != nil {
		return xerrors.Errorf("mounting: %w", err)
	}
	addrfd.MustWrite(mountpoint)
	return join(ctx)
}

const fsckHelp = `objarc fsck [-flags] <device> [<device>...]

Load a store's header and object table, and report, for every live
object, whether its length can be read and its first MiB reads back
without error (such as a hash mismatch). Records past the first MiB
of an object are not checked. Does not repair anything itself; pass
-repair to objarc mount for self-healing mirrors.

Example:
  % objarc fsck ./store.img
`

func cmdfsck(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fsck", flag.ExitOnError)
	fset.Usage = usage(fset, fsckHelp)
	var (
		nopass       = fset.Bool("nopass", false, "the store was created without a passphrase")
		blockSizeExp = fset.Int("blocksize-exponent", 12, "log2 of the device block size in bytes")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return xerrors.New("syntax: objarc fsck [-flags] <device> [<device>...]")
	}

	chains, err := openExistingDevices(fset.Args(), store.BlockSize(*blockSizeExp))
	if err != nil {
		return err
	}
	devices, err := store.NewDeviceSet(chains)
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase("Passphrase: ", *nopass)
	if err != nil {
		return err
	}
	codec := fsheader.NewCodec(devices, passphrase)
	snap, err := codec.Load(ctx)
	if err != nil {
		return xerrors.Errorf("reading header: %w", err)
	}
	config := codec.Configuration()
	cipher := store.Cipher{Type: config.Cipher()}
	cipher.Data, cipher.Meta = codec.Keys()

	s, err := store.Load(ctx, devices, cipher, config.MaxRecordSize(), config.Compression(), store.CacheLimits{}, codec)
	if err != nil {
		return xerrors.Errorf("loading store: %w", err)
	}

	ids, err := s.LiveObjects(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("generation %d, %d live object(s)\n", snap.Generation, len(ids))
	var bad int
	for _, id := range ids {
		length, err := s.Length(ctx, id)
		if err != nil {
			fmt.Printf("object %d: %v\n", id, err)
			bad++
			continue
		}
		if _, err := s.ReadAt(ctx, id, 0, minInt64(length, 1<<20)); err != nil {
			fmt.Printf("object %d: %v\n", id, err)
			bad++
		}
	}
	if bad > 0 {
		return xerrors.Errorf("fsck: %d object(s) failed", bad)
	}
	return nil
}

func minInt64(a uint64, b int64) int64 {
	if int64(a) < b {
		return int64(a)
	}
	return b
}

const describeHelp = `objarc describe [-flags] <device> [<device>...] <outfile>

Read a store's header and write a plaintext summary of its
configuration (block size, max record size, mirror count, compression
and cipher) to outfile. The file is replaced atomically, so a reader
racing the write never observes a half-written report.

Example:
  % objarc describe ./store.img ./store.txt
`

func cmddescribe(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("describe", flag.ExitOnError)
	fset.Usage = usage(fset, describeHelp)
	var (
		nopass       = fset.Bool("nopass", false, "the store was created without a passphrase")
		blockSizeExp = fset.Int("blocksize-exponent", 12, "log2 of the device block size in bytes")
	)
	fset.Parse(args)
	if fset.NArg() < 2 {
		return xerrors.New("syntax: objarc describe [-flags] <device> [<device>...] <outfile>")
	}
	devicePaths := fset.Args()[:fset.NArg()-1]
	outfile := fset.Arg(fset.NArg() - 1)

	chains, err := openExistingDevices(devicePaths, store.BlockSize(*blockSizeExp))
	if err != nil {
		return err
	}
	devices, err := store.NewDeviceSet(chains)
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase("Passphrase: ", *nopass)
	if err != nil {
		return err
	}
	codec := fsheader.NewCodec(devices, passphrase)
	snap, err := codec.Load(ctx)
	if err != nil {
		return xerrors.Errorf("reading header: %w", err)
	}
	config := codec.Configuration()

	var b strings.Builder
	fmt.Fprintf(&b, "generation: %d\n", snap.Generation)
	fmt.Fprintf(&b, "block size: %d\n", config.BlockSize().Bytes())
	fmt.Fprintf(&b, "max record size: %d\n", config.MaxRecordSize().Bytes())
	fmt.Fprintf(&b, "mirror count: %d\n", config.MirrorCount())
	fmt.Fprintf(&b, "compression: %d\n", config.Compression())
	fmt.Fprintf(&b, "cipher: %d\n", config.Cipher())

	return renameio.WriteFile(outfile, []byte(b.String()), 0644)
}

const envHelp = `objarc env

Display objarc's resolved configuration directory.

Example:
  % objarc env
`

func cmdenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)
	fmt.Printf("OBJARC_ROOT=%q\n", env.DataRoot)
	return nil
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"create":   {cmdcreate},
		"mount":    {cmdmount},
		"fsck":     {cmdfsck},
		"describe": {cmddescribe},
		"env":      {cmdenv},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "objarc [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tcreate - format device file(s) as a new object store\n")
		fmt.Fprintf(os.Stderr, "\tmount  - mount a store as a FUSE filesystem\n")
		fmt.Fprintf(os.Stderr, "\tfsck     - verify every live object's record tree\n")
		fmt.Fprintf(os.Stderr, "\tdescribe - write a store's configuration summary to a file\n")
		fmt.Fprintf(os.Stderr, "\tenv      - print resolved configuration directory\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	ctx, canc := objarc.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		os.Exit(2)
	}
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return objarc.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
