//go:build !unix

package client

func checkDescriptors(int) error {
	return nil
}
