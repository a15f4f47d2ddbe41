//go:build unix

package fsys

import (
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// osCheck asks the kernel, so ACLs and group membership are honoured.
func osCheck(realPath func(string) (string, error)) checkFunc {
	return func(_ afero.Fs, p string, _ os.FileInfo, action Action) error {
		rp, err := realPath(p)
		if err != nil {
			return err
		}
		return unix.Access(rp, uint32(action))
	}
}
