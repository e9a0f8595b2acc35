//go:build !amd64

package cycleclock

// tscSupported はamd64以外では常にfalse
func tscSupported() bool {
	return false
}

func readTSC() uint64 {
	panic("cycleclock: TSC not available on this architecture")
}
