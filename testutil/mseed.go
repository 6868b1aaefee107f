package testutil

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// RecordSpec 描述一条 miniSEED 记录
type RecordSpec struct {
	Network  string
	Station  string
	Location string
	Channel  string
	Start    time.Time
	// SampleRate 采样率（Hz），默认 1
	SampleRate float64
	// Samples 样本数，默认 100
	Samples int
	// Length 记录长度（2 的幂），默认 512
	Length int
	// Sequence 序列号
	Sequence int
	// Fill 数据区填充字节，用于构造内容不同但时间相同的记录
	Fill byte
	// NoBlockette1000 不写 blockette 1000
	NoBlockette1000 bool
	LittleEndian    bool
}

// End 记录覆盖的结束时间
func (s RecordSpec) End() time.Time {
	s = s.withDefaults()
	return s.Start.Add(time.Duration(float64(s.Samples) * float64(time.Second) / s.SampleRate))
}

func (s RecordSpec) withDefaults() RecordSpec {
	if s.SampleRate <= 0 {
		s.SampleRate = 1
	}
	if s.Samples <= 0 {
		s.Samples = 100
	}
	if s.Length <= 0 {
		s.Length = 512
	}
	if s.Channel == "" {
		s.Channel = "BHZ"
	}
	return s
}

// Record 生成一条 SEED 2.x 数据记录
func Record(spec RecordSpec) []byte {
	spec = spec.withDefaults()
	var order binary.ByteOrder = binary.BigEndian
	if spec.LittleEndian {
		order = binary.LittleEndian
	}

	buf := make([]byte, spec.Length)
	copy(buf[0:6], fmt.Sprintf("%06d", spec.Sequence%1000000))
	buf[6] = 'D'
	buf[7] = ' '
	copy(buf[8:13], pad(spec.Station, 5))
	copy(buf[13:15], pad(spec.Location, 2))
	copy(buf[15:18], pad(spec.Channel, 3))
	copy(buf[18:20], pad(spec.Network, 2))

	t := spec.Start.UTC()
	order.PutUint16(buf[20:22], uint16(t.Year()))
	order.PutUint16(buf[22:24], uint16(t.YearDay()))
	buf[24] = byte(t.Hour())
	buf[25] = byte(t.Minute())
	buf[26] = byte(t.Second())
	order.PutUint16(buf[28:30], uint16(t.Nanosecond()/100000))

	order.PutUint16(buf[30:32], uint16(spec.Samples))
	factor, multiplier := int16(spec.SampleRate), int16(1)
	if spec.SampleRate < 1 {
		factor = -int16(1 / spec.SampleRate)
	}
	order.PutUint16(buf[32:34], uint16(factor))
	order.PutUint16(buf[34:36], uint16(multiplier))
	order.PutUint16(buf[44:46], 64)

	if !spec.NoBlockette1000 {
		buf[39] = 1
		order.PutUint16(buf[46:48], 48)
		order.PutUint16(buf[48:50], 1000)
		order.PutUint16(buf[50:52], 0)
		buf[52] = 11
		if !spec.LittleEndian {
			buf[53] = 1
		}
		buf[54] = byte(bits.TrailingZeros(uint(spec.Length)))
	}

	for i := 64; i < len(buf); i++ {
		buf[i] = spec.Fill
	}
	return buf
}

// Records 生成 n 条首尾相接的连续记录
func Records(spec RecordSpec, n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, Record(spec)...)
		spec.Start = spec.End()
		spec.Sequence++
	}
	return out
}

func pad(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
