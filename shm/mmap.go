package shm

import "golang.org/x/sys/unix"

// CreateAnonymousSegment allocates and formats a fresh hub segment backed
// by an anonymous MAP_SHARED mapping. Anonymous mappings serve the
// single-process case (tests, and a host/guest pair living in one process
// that exchange the segment directly); AttachFD covers the cross-process
// case once the host has handed its fd to a guest over a side channel.
func CreateAnonymousSegment(cfg Config) (*Segment, []byte, error) {
	size := Size(cfg)
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	seg, err := NewSegment(buf, cfg)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, nil, err
	}
	return seg, buf, nil
}

// AttachFD maps an existing segment fd (received over a Unix domain socket
// side channel owned by the embedding application) into this process and
// validates its header.
func AttachFD(fd int, size int64) (*Segment, Config, []byte, error) {
	buf, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, Config{}, nil, err
	}
	seg, cfg, err := OpenSegment(buf)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, Config{}, nil, err
	}
	return seg, cfg, buf, nil
}

// UnmapSegment releases a mapping obtained from CreateAnonymousSegment or
// AttachFD.
func UnmapSegment(buf []byte) error {
	return unix.Munmap(buf)
}
