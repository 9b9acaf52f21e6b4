package protocol

// Layout of the GlobalPlatform TCI shared with a GP trusted application:
//
//	destination UUID   16 bytes
//	operation type      4 bytes
//	param types         4 bytes
//	params          4 x 16 bytes
//	isCancelled         4 bytes
const (
	GPCancelFlagOffset = 16 + 4 + 4 + 4*16
	GPTCIMinLen        = GPCancelFlagOffset + 4
)

// SetGPCancelled raises the cancellation flag of a GP TCI. The trusted
// application clears it on the next command.
func SetGPCancelled(tci []byte) bool {
	if len(tci) < GPTCIMinLen {
		return false
	}
	ByteOrder.PutUint32(tci[GPCancelFlagOffset:], 1)
	return true
}

// GPCancelled reports the cancellation flag of a GP TCI.
func GPCancelled(tci []byte) bool {
	if len(tci) < GPTCIMinLen {
		return false
	}
	return ByteOrder.Uint32(tci[GPCancelFlagOffset:]) != 0
}
