package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/23skdu/longbow-quarrel/internal/device"
)

func float32FromBytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func float16ToF32FromBytes(b []byte) float32 {
	return device.Float16ToFloat32(binary.LittleEndian.Uint16(b))
}

func dequantizeQ4_0(data []byte, n int) []float32 {
	return device.DequantizeQ4_0(data, n)
}

func dequantizeQ4_1(data []byte, n int) []float32 {
	return device.DequantizeQ4_1(data, n)
}
