//go:build !unix

package fsys

func osCheck(_ func(string) (string, error)) checkFunc {
	return checkModeBits
}
