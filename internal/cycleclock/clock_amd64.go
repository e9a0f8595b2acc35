//go:build amd64

package cycleclock

// rdtscp はRDTSCP命令でタイムスタンプカウンタを読む
//
//go:noescape
func rdtscp() uint64

// cpuid はCPUID命令を実行する
//
//go:noescape
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)

// tscSupported はRDTSCPと不変TSCの両方が利用可能かを返す
func tscSupported() bool {
	maxExt, _, _, _ := cpuid(0x80000000, 0)
	if maxExt < 0x80000007 {
		return false
	}
	_, _, _, edx := cpuid(0x80000001, 0)
	if edx&(1<<27) == 0 {
		return false
	}
	_, _, _, edx = cpuid(0x80000007, 0)
	return edx&(1<<8) != 0
}

func readTSC() uint64 {
	return rdtscp()
}
