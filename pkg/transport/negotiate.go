package transport

import (
	"net"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

// HandshakeParams configures the local side of the wireformat exchange
// (spec §4.1 "Until negotiation completes, marshalling uses a fixed
// bootstrap encoding").
type HandshakeParams struct {
	TightEncoding       bool
	CacheEnabled        bool
	CacheSize           int32
	MaxInactivityMillis int64
	StackTraceEnabled   bool
	CompressionEnabled  bool
	CompressionAlgo     string
	MaxFrameSize        int32
}

// Handshake performs the connect-time WireFormatInfo exchange directly on
// netConn using the bootstrap encoding, then returns the negotiated
// EncodingOptions and the two peers' max-inactivity agreement. The caller
// wraps netConn in a Conn with these options once this returns.
func Handshake(netConn net.Conn, params HandshakeParams) (owire.EncodingOptions, int64, error) {
	local := owire.LocalWireFormatInfo(params.TightEncoding, params.CacheEnabled, params.CacheSize, params.MaxInactivityMillis, params.StackTraceEnabled, params.CompressionEnabled)

	body, err := owire.Marshal(local, owire.BootstrapOptions)
	if err != nil {
		return owire.EncodingOptions{}, 0, mqerr.Protocol("marshal local wireformat", err)
	}
	if _, err := writeFrame(netConn, body); err != nil {
		return owire.EncodingOptions{}, 0, mqerr.Transport("write wireformat", err)
	}

	remoteBody, err := readFrame(netConn, params.MaxFrameSize)
	if err != nil {
		return owire.EncodingOptions{}, 0, mqerr.Transport("read wireformat", err)
	}
	remoteCmd, err := owire.Unmarshal(remoteBody, owire.BootstrapOptions)
	if err != nil {
		return owire.EncodingOptions{}, 0, mqerr.Protocol("unmarshal remote wireformat", err)
	}
	remote, ok := remoteCmd.(*owire.WireFormatInfo)
	if !ok {
		return owire.EncodingOptions{}, 0, mqerr.Protocol("peer did not open with WireFormatInfo", nil)
	}

	opts := owire.Negotiate(local, remote, params.CompressionAlgo)
	if opts.CacheEnabled {
		opts.WriteCache = owire.NewDestinationCache()
		opts.ReadCache = owire.NewDestinationCache()
	}
	maxInactivity := owire.NegotiatedMaxInactivity(local, remote)
	return opts, maxInactivity, nil
}
