package shm

import "errors"

var (
	errAttachOutOfRange = errors.New("shm: guest index out of range")
	errGuestSlotBusy    = errors.New("shm: guest slot already attached")
	errGuestNotAttached = errors.New("shm: guest has not attached yet")
)
