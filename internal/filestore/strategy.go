package filestore

// MinimumPartSize is the smallest source object UploadPartCopy can use as a
// non-final part. It is a store constraint, not a tuning knob.
const MinimumPartSize = 5 * 1024 * 1024

// Strategy selects how append and truncate build the replacement object.
type Strategy int

const (
	// StrategySpooling streams the object through the client.
	StrategySpooling Strategy = iota
	// StrategyCopyPart copies existing bytes server-side with UploadPartCopy.
	StrategyCopyPart
)

func (s Strategy) String() string {
	switch s {
	case StrategyCopyPart:
		return "copy-part"
	default:
		return "spooling"
	}
}

// ChooseStrategy returns the copy-part strategy when it is enabled and the
// current object is at least threshold bytes long.
func ChooseStrategy(copyPartEnabled bool, size, threshold int64) Strategy {
	if copyPartEnabled && size >= threshold {
		return StrategyCopyPart
	}
	return StrategySpooling
}

func (fs *FileStorage) strategyFor(size int64) Strategy {
	return ChooseStrategy(fs.opts.UploadPartCopy, size, MinimumPartSize)
}
