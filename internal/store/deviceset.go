package store

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// DeviceSet fans reads and writes across mirror_count chains of
// concatenated devices. Each device reserves its own block 0 and last
// block for the filesystem header; the arena (blocks 1..count-2 on each
// device) is what chains concatenate and what the allocator addresses.
type DeviceSet struct {
	chains     [][]Device
	blockSize  BlockSize
	arenaBlock uint64 // arena block count per chain (must agree across chains)
}

// NewDeviceSet builds a DeviceSet from chains, one []Device per mirror.
// All devices must share the same BlockSize, and every chain must sum to
// the same arena capacity.
func NewDeviceSet(chains [][]Device) (*DeviceSet, error) {
	if len(chains) == 0 {
		return nil, xerrors.New("store: no chains given")
	}
	bs := chains[0][0].BlockSize()
	var arena uint64
	for ci, chain := range chains {
		var sum uint64
		for _, d := range chain {
			if d.BlockSize() != bs {
				return nil, xerrors.Errorf("store: device %s block size mismatch", d.Name())
			}
			if d.BlockCount() < 3 {
				return nil, xerrors.Errorf("store: device %s too small (%d blocks)", d.Name(), d.BlockCount())
			}
			sum += d.BlockCount() - 2
		}
		if ci == 0 {
			arena = sum
		} else if sum != arena {
			return nil, xerrors.Errorf("store: chain %d arena size %d disagrees with chain 0 (%d)", ci, sum, arena)
		}
	}
	return &DeviceSet{chains: chains, blockSize: bs, arenaBlock: arena}, nil
}

// BlockSize returns log2 of the device block size in bytes.
func (ds *DeviceSet) BlockSize() BlockSize { return ds.blockSize }

// ArenaBlockCount returns the number of arena blocks addressable per
// chain (i.e. the allocator's block_count).
func (ds *DeviceSet) ArenaBlockCount() uint64 { return ds.arenaBlock }

// MirrorCount returns the number of mirror chains.
func (ds *DeviceSet) MirrorCount() int { return len(ds.chains) }

// locate maps a chain-relative arena LBA to a (device, local arena LBA)
// pair within chain. local arena LBA is 0-based within that device's
// arena (block 1 on disk).
func locate(chain []Device, lba uint64) (Device, uint64, error) {
	for _, d := range chain {
		n := d.BlockCount() - 2
		if lba < n {
			return d, lba, nil
		}
		lba -= n
	}
	return nil, 0, xerrors.New("store: lba out of range for chain")
}

// writeChain writes buf (an integer number of blocks) to chain starting
// at arena LBA lba, splitting across device boundaries as needed.
func writeChain(ctx context.Context, chain []Device, lba uint64, buf []byte) error {
	blockBytes := int(1) << uint(chain[0].BlockSize())
	for len(buf) > 0 {
		d, local, err := locate(chain, lba)
		if err != nil {
			return err
		}
		avail := d.BlockCount() - 2 - local
		n := uint64(len(buf)) / uint64(blockBytes)
		if n > avail {
			n = avail
		}
		chunk := buf[:n*uint64(blockBytes)]
		if err := d.WriteAt(ctx, LBA(local+1), chunk); err != nil {
			return &DeviceError{Device: d.Name(), Err: err}
		}
		buf = buf[len(chunk):]
		lba += n
	}
	return nil
}

func readChain(ctx context.Context, chain []Device, lba uint64, buf []byte) error {
	blockBytes := int(1) << uint(chain[0].BlockSize())
	for len(buf) > 0 {
		d, local, err := locate(chain, lba)
		if err != nil {
			return err
		}
		avail := d.BlockCount() - 2 - local
		n := uint64(len(buf)) / uint64(blockBytes)
		if n > avail {
			n = avail
		}
		chunk := buf[:n*uint64(blockBytes)]
		if err := d.ReadAt(ctx, LBA(local+1), chunk); err != nil {
			return &DeviceError{Device: d.Name(), Err: err}
		}
		buf = buf[len(chunk):]
		lba += n
	}
	return nil
}

// Write fans a write out to every mirror chain at the same arena LBA.
func (ds *DeviceSet) Write(ctx context.Context, lba LBA, buf []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, chain := range ds.chains {
		chain := chain
		g.Go(func() error { return writeChain(ctx, chain, uint64(lba), buf) })
	}
	return g.Wait()
}

// Read tries each chain in order, skipping chain indices present in
// blacklist, until one succeeds. It returns the index of the chain that
// served the read.
func (ds *DeviceSet) Read(ctx context.Context, lba LBA, buf []byte, blacklist map[int]bool) (int, error) {
	var firstErr error
	for i, chain := range ds.chains {
		if blacklist != nil && blacklist[i] {
			continue
		}
		if err := readChain(ctx, chain, uint64(lba), buf); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return i, nil
	}
	if firstErr == nil {
		firstErr = xerrors.New("store: no mirror available to read")
	}
	return -1, firstErr
}

// Devices returns every physical device across every chain, used for
// header save/load which operates per-device, not per-chain.
func (ds *DeviceSet) Devices() []Device {
	var out []Device
	for _, chain := range ds.chains {
		out = append(out, chain...)
	}
	return out
}

// Fence waits for all prior writes on every device to become durable.
func (ds *DeviceSet) Fence(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range ds.Devices() {
		d := d
		g.Go(func() error {
			if err := d.Fence(ctx); err != nil {
				return &DeviceError{Device: d.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// WriteHeaderTail writes buf (a single header-sized block) to the last
// block of every device.
func (ds *DeviceSet) WriteHeaderTail(ctx context.Context, buf []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range ds.Devices() {
		d := d
		g.Go(func() error {
			if err := d.WriteAt(ctx, LBA(d.BlockCount()-1), buf); err != nil {
				return &DeviceError{Device: d.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// WriteHeaderHead writes buf to block 0 of every device.
func (ds *DeviceSet) WriteHeaderHead(ctx context.Context, buf []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range ds.Devices() {
		d := d
		g.Go(func() error {
			if err := d.WriteAt(ctx, 0, buf); err != nil {
				return &DeviceError{Device: d.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
