package store

import "encoding/binary"

// HeaderLen is the fixed size, in bytes, of the header prefixed to every
// record.
const HeaderLen = 64

// recordHeader is the 64-byte header prefixed to every record. On disk,
// everything but Nonce is encrypted under the metadata key.
type recordHeader struct {
	Nonce       [24]byte
	Length      uint32 // plaintext payload length
	_           [19]byte
	Compression Compression
	Hash        [16]byte // MAC (or XXH3-128) of the ciphertext
}

func (h *recordHeader) marshal(b []byte) {
	_ = b[HeaderLen-1]
	copy(b[0:24], h.Nonce[:])
	binary.LittleEndian.PutUint32(b[24:28], h.Length)
	// b[28:47] reserved, left zero
	b[47] = byte(h.Compression)
	copy(b[48:64], h.Hash[:])
}

func (h *recordHeader) unmarshal(b []byte) {
	_ = b[HeaderLen-1]
	copy(h.Nonce[:], b[0:24])
	h.Length = binary.LittleEndian.Uint32(b[24:28])
	h.Compression = Compression(b[47])
	copy(h.Hash[:], b[48:64])
}

// Pack frames, compresses and encrypts data into dst, which must be
// block-aligned and large enough to hold the worst case (header +
// uncompressed data, rounded up to a block). It returns the number of
// blocks written.
//
// dst's payload region (after the header) is used as scratch space for
// the compressor; callers must not alias it with data.
func Pack(data []byte, dst []byte, compression Compression, blockSize BlockSize, cipher Cipher, nonce [24]byte) uint16 {
	if len(data) == 0 {
		panic("store: Pack called with empty data")
	}
	header, payload := dst[:HeaderLen], dst[HeaderLen:]

	alg, n := compress(compression, data, payload, blockSize, HeaderLen)

	blocks := uint16(blockSize.MinBlocks(int64(HeaderLen) + int64(n)))
	total := int64(blocks) * blockSize.Bytes()
	payload = payload[:total-HeaderLen]
	// Zero the padding between the end of the compressed data and the
	// block boundary; it is covered by the cipher below.
	for i := n; i < len(payload); i++ {
		payload[i] = 0
	}

	hash := cipher.EncryptPayload(&nonce, payload)

	hdr := recordHeader{
		Nonce:       nonce,
		Length:      uint32(n),
		Compression: alg,
		Hash:        hash,
	}
	hdr.marshal(header)
	cipher.ApplyMeta(&nonce, header[24:])

	return blocks
}

// Unpack reverses Pack. buf must contain the whole record (header and
// payload, exactly as read off disk). maxRecordSize bounds the allowed
// decompressed length.
func Unpack(buf []byte, cipher Cipher, maxRecordSize MaxRecordSize) ([]byte, error) {
	if len(buf) < HeaderLen {
		return nil, ErrBadLength
	}
	header := append([]byte(nil), buf[:HeaderLen]...)
	payload := buf[HeaderLen:]

	var nonce [24]byte
	copy(nonce[:], header[:24])
	cipher.ApplyMeta(&nonce, header[24:])

	var hdr recordHeader
	hdr.unmarshal(header)

	if int64(hdr.Length) > int64(len(payload)) {
		return nil, ErrBadLength
	}
	region := payload[:len(payload)]
	if err := cipher.DecryptPayload(&nonce, hdr.Hash, region); err != nil {
		return nil, err
	}

	switch hdr.Compression {
	case CompressionNone, CompressionLz4, CompressionZstd:
	default:
		return nil, ErrUnknownCompression
	}

	data, err := decompress(hdr.Compression, region[:hdr.Length], maxRecordSize.Bytes())
	if err != nil {
		return nil, err
	}
	return data, nil
}
