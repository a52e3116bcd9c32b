package tagging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"sort"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")

	errBadPNG  = errors.New("invalid png stream")
	errBadJPEG = errors.New("invalid jpeg stream")
)

// insertPNGText 在 IHDR 之后插入 tEXt 块
func insertPNGText(data []byte, entries map[string]string) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) || len(data) < len(pngSignature)+8 {
		return nil, errBadPNG
	}
	ihdrLen := int(binary.BigEndian.Uint32(data[8:12]))
	ihdrEnd := len(pngSignature) + 12 + ihdrLen
	if string(data[12:16]) != "IHDR" || ihdrEnd > len(data) {
		return nil, errBadPNG
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out bytes.Buffer
	out.Grow(len(data) + 256)
	out.Write(data[:ihdrEnd])
	for _, k := range keys {
		if entries[k] == "" {
			continue
		}
		text := make([]byte, 0, len(k)+1+len(entries[k]))
		text = append(text, k...)
		text = append(text, 0)
		text = append(text, entries[k]...)
		writePNGChunk(&out, "tEXt", text)
	}
	out.Write(data[ihdrEnd:])
	return out.Bytes(), nil
}

func writePNGChunk(w *bytes.Buffer, typ string, payload []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(payload)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(payload)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

// readPNGText 读取所有 tEXt 键值
func readPNGText(r io.Reader) (map[string]string, error) {
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil || !bytes.Equal(sig, pngSignature) {
		return nil, errBadPNG
	}

	out := map[string]string{}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		typ := string(hdr[4:8])
		switch typ {
		case "tEXt":
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return out, err
			}
			if i := bytes.IndexByte(buf, 0); i > 0 {
				out[string(buf[:i])] = string(buf[i+1:])
			}
		case "IEND":
			return out, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
				return out, err
			}
		}
		// CRC
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return out, err
		}
	}
}

const maxCOMLen = 0xFFFF - 2

// insertJPEGComment 在 SOI 之后插入 COM 段
func insertJPEGComment(data []byte, comment string) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errBadJPEG
	}
	if len(comment) > maxCOMLen {
		return nil, errors.New("jpeg comment too long")
	}
	var out bytes.Buffer
	out.Grow(len(data) + len(comment) + 4)
	out.Write(data[:2])
	out.Write([]byte{0xFF, 0xFE})
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(comment)+2))
	out.Write(l[:])
	out.WriteString(comment)
	out.Write(data[2:])
	return out.Bytes(), nil
}

// readJPEGComments 扫描 SOS 之前的 COM 段
func readJPEGComments(data []byte) ([]string, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errBadJPEG
	}
	var out []string
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return out, errBadJPEG
		}
		marker := data[i+1]
		if marker == 0xD9 || marker == 0xDA { // EOI / SOS
			return out, nil
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		end := i + 2 + segLen
		if segLen < 2 || end > len(data) {
			return out, errBadJPEG
		}
		if marker == 0xFE {
			out = append(out, string(data[i+4:end]))
		}
		i = end
	}
	return out, nil
}
