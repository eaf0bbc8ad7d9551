package bluetooth

import "github.com/google/uuid"

// Service identifiers of the audio distribution profiles this daemon will
// authorize incoming connections for.
var (
	uuidAudioSink    = uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")
	uuidAudioSource  = uuid.MustParse("0000110a-0000-1000-8000-00805f9b34fb")
	uuidAdvAudioDist = uuid.MustParse("0000110d-0000-1000-8000-00805f9b34fb")
)

// audioProfileUUID reports whether s names one of the audio distribution
// profile services.
func audioProfileUUID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	switch id {
	case uuidAudioSink, uuidAudioSource, uuidAdvAudioDist:
		return true
	}
	return false
}
