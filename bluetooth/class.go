package bluetooth

// Device class layout: bits 2..7 carry the minor class, bits 8..12 the
// major class. Masking with 0x1FFC strips the service class bits.
const classMajorMinorMask = 0x1FFC

// Minor classes of the audio/video major class that describe simple audio
// accessories. These conventionally ship with a fixed "0000" pincode.
const (
	classWearableHeadset = 0x0404
	classHandsfree       = 0x0408
	classHeadphones      = 0x0418
	classPortableAudio   = 0x041C
	classCarAudio        = 0x0420
	classHifiAudio       = 0x0428
)

func autoPairableClass(class uint32) bool {
	switch class & classMajorMinorMask {
	case classWearableHeadset, classHandsfree, classHeadphones,
		classPortableAudio, classCarAudio, classHifiAudio:
		return true
	}
	return false
}
