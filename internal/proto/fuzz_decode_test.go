package proto

import (
	"bytes"
	"testing"

	"phantomid/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 9, '{', '"', 'o', 'p', '"', ':', '"', 'x', '"'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrameWithOpCap(bytes.NewReader(data), SoftMaxFrameSize, MaxSizeForOp)
		})
	})
}

func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte(`{"op":"send","from":"a","to":"b","payload":"aGk="}`))
	f.Add([]byte(`{"op":"renew","id":"x","extension":"24h"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			if req, err := DecodeRequest(data); err == nil {
				_, _ = EncodeRequest(req)
			}
		})
	})
}
