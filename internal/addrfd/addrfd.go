package addrfd

import (
	"flag"
	"log"
	"os"
)

var (
	addrfd = flag.Int("addrfd", -1, "File descriptor on which to print the mountpoint once ready")
)

// MustWrite communicates that the mountpoint passed to addr is ready to
// the parent process via the file descriptor number passed to -addrfd, if
// any. It must be called precisely once, after fuse.Mount has returned but
// before blocking on the server's Join. A parent process that launches
// `objarc mount` can use this to know when it is safe to open files
// under the mountpoint.
func MustWrite(addr string) {
	if *addrfd == -1 {
		return
	}
	f := os.NewFile(uintptr(*addrfd), "")
	if _, err := f.Write([]byte(addr)); err != nil {
		log.Fatal(err)
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}
}
