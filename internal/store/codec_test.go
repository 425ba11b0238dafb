package store

import (
	"bytes"
	"testing"
)

func TestPackUnpackRoundtrip(t *testing.T) {
	for _, test := range []struct {
		desc        string
		data        []byte
		compression Compression
		cipher      Cipher
	}{
		{
			desc:        "none/none",
			data:        bytes.Repeat([]byte("a"), 100),
			compression: CompressionNone,
			cipher:      Cipher{Type: CipherNoneXxh3},
		},
		{
			desc:        "lz4/none",
			data:        bytes.Repeat([]byte("hello world "), 1000),
			compression: CompressionLz4,
			cipher:      Cipher{Type: CipherNoneXxh3},
		},
		{
			desc:        "zstd/none",
			data:        bytes.Repeat([]byte("hello world "), 1000),
			compression: CompressionZstd,
			cipher:      Cipher{Type: CipherNoneXxh3},
		},
		{
			desc:        "none/chacha20poly1305",
			data:        []byte("short payload"),
			compression: CompressionNone,
			cipher: Cipher{
				Type: CipherXChaCha20Poly1305,
				Data: [32]byte{1, 2, 3},
				Meta: [32]byte{4, 5, 6},
			},
		},
		{
			desc:        "lz4/chacha20poly1305 incompressible",
			data:        randBytes(5000),
			compression: CompressionLz4,
			cipher: Cipher{
				Type: CipherXChaCha20Poly1305,
				Data: [32]byte{9, 9, 9},
				Meta: [32]byte{8, 8, 8},
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			bs := BlockSize(12) // 4096
			worst := bs.MinBlocks(int64(HeaderLen) + int64(len(test.data)))
			dst := make([]byte, worst*bs.Bytes())
			nonce := [24]byte{1, 2, 3, 4}

			blocks := Pack(test.data, dst, test.compression, bs, test.cipher, nonce)
			buf := dst[:int64(blocks)*bs.Bytes()]

			got, err := Unpack(buf, test.cipher, MaxRecordSize(30))
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !bytes.Equal(got, test.data) {
				t.Errorf("Unpack roundtrip mismatch: got %d bytes, want %d bytes", len(got), len(test.data))
			}
		})
	}
}

func TestUnpackRejectsTamperedCiphertext(t *testing.T) {
	bs := BlockSize(12)
	cipher := Cipher{Type: CipherXChaCha20Poly1305, Data: [32]byte{1}, Meta: [32]byte{2}}
	data := []byte("authenticate me")
	dst := make([]byte, bs.Bytes())
	blocks := Pack(data, dst, CompressionNone, bs, cipher, [24]byte{5})
	buf := dst[:int64(blocks)*bs.Bytes()]

	buf[HeaderLen] ^= 0xff // flip a ciphertext byte

	if _, err := Unpack(buf, cipher, MaxRecordSize(30)); err != ErrHashMismatch {
		t.Errorf("Unpack of tampered record = %v, want ErrHashMismatch", err)
	}
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	x := uint32(0x2545F491)
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}
