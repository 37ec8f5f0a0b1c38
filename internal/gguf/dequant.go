package gguf

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// Super-block geometry of the k-quant and Q8_0 formats.
const (
	QK_K  = 256
	QK8_0 = 32

	BlockBytesQ3K  = 110
	BlockBytesQ4K  = 144
	BlockBytesQ6K  = 210
	BlockBytesQ8_0 = 34
)

func halfAt(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

func checkBlocks(name string, data []byte, numElements, blockElems, blockBytes int) (int, error) {
	if numElements%blockElems != 0 {
		return 0, fmt.Errorf("%s: %d elements is not a multiple of %d", name, numElements, blockElems)
	}
	n := numElements / blockElems
	if len(data) < n*blockBytes {
		return 0, fmt.Errorf("%s: %d bytes, need %d", name, len(data), n*blockBytes)
	}
	return n, nil
}

// DequantizeQ4K expands Q4_K super-blocks:
// d (f16), dmin (f16), 12 bytes of packed 6-bit scales and mins, 128 bytes of
// 4-bit quants. Each 64-weight chunk takes its first 32 weights from the low
// nibbles and the next 32 from the high nibbles of the same 32 bytes.
func DequantizeQ4K(data []byte, numElements int) ([]float32, error) {
	numBlocks, err := checkBlocks("Q4_K", data, numElements, QK_K, BlockBytesQ4K)
	if err != nil {
		return nil, err
	}
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*BlockBytesQ4K : (i+1)*BlockBytesQ4K]
		d := halfAt(block[0:])
		dmin := halfAt(block[2:])
		scales := block[4:16]
		qs := block[16:]
		y := out[i*QK_K:]

		for j := 0; j < QK_K/64; j++ {
			sc0, m0 := scaleMinK4(2*j, scales)
			sc1, m1 := scaleMinK4(2*j+1, scales)
			d0, min0 := d*float32(sc0), dmin*float32(m0)
			d1, min1 := d*float32(sc1), dmin*float32(m1)

			q := qs[j*32 : j*32+32]
			for l := 0; l < 32; l++ {
				y[j*64+l] = d0*float32(q[l]&0xF) - min0
				y[j*64+32+l] = d1*float32(q[l]>>4) - min1
			}
		}
	}
	return out, nil
}

// scaleMinK4 unpacks the j-th 6-bit scale and min of a Q4_K block.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	return (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4), (q[j+4] >> 4) | ((q[j] >> 6) << 4)
}

// DequantizeQ3K expands Q3_K super-blocks:
// hmask (32 bytes, high bit of each quant), qs (64 bytes, low 2 bits),
// 12 bytes of sixteen packed 6-bit scales, d (f16).
func DequantizeQ3K(data []byte, numElements int) ([]float32, error) {
	numBlocks, err := checkBlocks("Q3_K", data, numElements, QK_K, BlockBytesQ3K)
	if err != nil {
		return nil, err
	}
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*BlockBytesQ3K : (i+1)*BlockBytesQ3K]
		hmask := block[0:32]
		qs := block[32:96]
		sc := unpackScalesQ3K(block[96:108])
		d := halfAt(block[108:])
		y := out[i*QK_K:]

		for h := 0; h < 2; h++ {
			q := qs[h*32 : h*32+32]
			for j := 0; j < 4; j++ {
				shift := uint(2 * j)
				bit := uint8(1) << uint(4*h+j)
				for half := 0; half < 2; half++ {
					dl := d * float32(int(sc[8*h+2*j+half])-32)
					base := h*128 + j*32 + half*16
					for l := 0; l < 16; l++ {
						k := half*16 + l
						v := int((q[k] >> shift) & 3)
						if hmask[k]&bit == 0 {
							v -= 4
						}
						y[base+l] = dl * float32(v)
					}
				}
			}
		}
	}
	return out, nil
}

// unpackScalesQ3K spreads 12 bytes into sixteen 6-bit scales: low nibbles
// from bytes 0-7, two high bits per scale from bytes 8-11.
func unpackScalesQ3K(b []byte) [16]uint8 {
	var sc [16]uint8
	for k := 0; k < 4; k++ {
		sc[k] = (b[k] & 0xF) | ((b[8+k] & 3) << 4)
		sc[4+k] = (b[4+k] & 0xF) | (((b[8+k] >> 2) & 3) << 4)
		sc[8+k] = (b[k] >> 4) | (((b[8+k] >> 4) & 3) << 4)
		sc[12+k] = (b[4+k] >> 4) | (((b[8+k] >> 6) & 3) << 4)
	}
	return sc
}

// DequantizeQ6K expands Q6_K super-blocks:
// ql (128 bytes, low 4 bits), qh (64 bytes, high 2 bits), sixteen int8
// scales, d (f16). Each 128-weight half reads 64 bytes of ql and 32 of qh.
func DequantizeQ6K(data []byte, numElements int) ([]float32, error) {
	numBlocks, err := checkBlocks("Q6_K", data, numElements, QK_K, BlockBytesQ6K)
	if err != nil {
		return nil, err
	}
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*BlockBytesQ6K : (i+1)*BlockBytesQ6K]
		d := halfAt(block[208:])

		for h := 0; h < 2; h++ {
			ql := block[h*64 : h*64+64]
			qh := block[128+h*32 : 128+h*32+32]
			sc := block[192+h*8 : 192+h*8+8]
			y := out[i*QK_K+h*128:]

			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int(ql[l]&0xF|((qh[l]>>0)&3)<<4) - 32
				q2 := int(ql[l+32]&0xF|((qh[l]>>2)&3)<<4) - 32
				q3 := int(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
				q4 := int(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
				y[l] = d * float32(int8(sc[is])) * float32(q1)
				y[l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
		}
	}
	return out, nil
}

// DequantizeQ8_0 expands Q8_0 blocks: d (f16) followed by 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) ([]float32, error) {
	numBlocks, err := checkBlocks("Q8_0", data, numElements, QK8_0, BlockBytesQ8_0)
	if err != nil {
		return nil, err
	}
	out := make([]float32, numElements)
	for i := 0; i < numBlocks; i++ {
		block := data[i*BlockBytesQ8_0 : (i+1)*BlockBytesQ8_0]
		d := halfAt(block)
		for l := 0; l < QK8_0; l++ {
			out[i*QK8_0+l] = d * float32(int8(block[2+l]))
		}
	}
	return out, nil
}
