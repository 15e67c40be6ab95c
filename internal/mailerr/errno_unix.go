package mailerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isENOSPC(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}

func isEDQUOT(err error) bool {
	return errors.Is(err, unix.EDQUOT)
}
