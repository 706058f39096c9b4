//go:build unix

package sandbox

import "golang.org/x/sys/unix"

// openNoFollow makes the final open fail on a symlink.
const openNoFollow = unix.O_NOFOLLOW
