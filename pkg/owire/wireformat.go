package owire

import "time"

func timeFromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// CurrentVersion is the highest wire-format version this codec speaks.
const CurrentVersion int32 = 12

// LocalWireFormatInfo builds the WireFormatInfo this client advertises
// first on connect (spec §4.1, §6).
func LocalWireFormatInfo(tight, cacheEnabled bool, cacheSize int32, maxInactivityMillis int64, stackTraceEnabled, compressionEnabled bool) *WireFormatInfo {
	return &WireFormatInfo{
		Version:               CurrentVersion,
		TightEncodingEnabled:  tight,
		CacheEnabled:          cacheEnabled,
		CacheSize:             cacheSize,
		MaxInactivityDuration: maxInactivityMillis,
		StackTraceEnabled:     stackTraceEnabled,
		CompressionEnabled:    compressionEnabled,
	}
}

// Negotiate computes the effective wire state from the local and remote
// WireFormatInfo: the minimum version and the logical AND of every feature
// toggle (spec §4.1 "The effective negotiated state is the
// minimum/AND of both sides for versions and feature toggles"). algo picks
// the compressor to install once compression is on; an unknown or empty
// name falls back to deflate (spec §6 connection option pinning a
// compression algorithm).
func Negotiate(local, remote *WireFormatInfo, algo string) EncodingOptions {
	version := local.Version
	if remote.Version < version {
		version = remote.Version
	}
	tight := local.TightEncodingEnabled && remote.TightEncodingEnabled
	cacheEnabled := local.CacheEnabled && remote.CacheEnabled
	compression := local.CompressionEnabled && remote.CompressionEnabled

	var compressor Compressor
	if compression {
		compressor = CompressorByName(algo)
		if compressor == nil {
			compressor = NewDeflateCompressor()
		}
	}

	return EncodingOptions{
		Version:      version,
		Tight:        tight,
		CacheEnabled: cacheEnabled,
		Compressor:   compressor,
	}
}

// NegotiatedMaxInactivity returns the minimum of the two sides'
// max-inactivity-duration, or 0 (monitoring disabled) if either side
// advertised 0 (spec §4.3 "The negotiated read-interval is the minimum of
// the two sides' max-inactivity-duration; if either side disables it, no
// monitoring runs").
func NegotiatedMaxInactivity(local, remote *WireFormatInfo) int64 {
	if local.MaxInactivityDuration == 0 || remote.MaxInactivityDuration == 0 {
		return 0
	}
	if local.MaxInactivityDuration < remote.MaxInactivityDuration {
		return local.MaxInactivityDuration
	}
	return remote.MaxInactivityDuration
}

