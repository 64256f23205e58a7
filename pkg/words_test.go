package tdcstream

func hitWord(ch uint32, fine uint32, edge Edge, coarse uint32) uint32 {
	return KindHit | ch<<22 | (fine&0x3FF)<<12 | uint32(edge)<<11 | coarse&0x7FF
}

func hit1Word(ch uint32, fine uint32, edge Edge, coarse uint32) uint32 {
	return KindHit1 | ch<<22 | (fine&0x3FF)<<12 | uint32(edge)<<11 | coarse&0x7FF
}

func epochWord(epoch uint32) uint32 {
	return KindEpoch | epoch&EpochMask
}

func headerWord(format uint32) uint32 {
	return KindHeader | (format&0xF)<<24
}

func debugWord(kind uint32, value uint32) uint32 {
	return KindDebug | (kind&0x1F)<<24 | value&0x00FFFFFF
}

func calibrWord(a, b uint32) uint32 {
	return KindCalibr | (b&0x3FFF)<<14 | a&0x3FFF
}

func testConfiguration() Configuration {
	config := NewConfiguration()
	config.NoDB = true
	config.MinStatistic = 100
	return config
}

// stampTime is the local time of an epoch and coarse pair without fine
// correction.
func stampTime(config Configuration, epoch uint32, coarse uint32) float64 {
	return float64(Stamp(uint64(epoch), coarse)) * config.CoarseUnit
}
