package dcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func bitsFor(byteVals ...byte) [][]bool {
	out := make([][]bool, len(byteVals))
	for i, v := range byteVals {
		b := make([]bool, 8)
		for bit := 0; bit < 8; bit++ {
			b[bit] = v&(1<<(7-bit)) != 0
		}
		out[i] = b
	}
	return out
}

func TestClassifyHalfBit(t *testing.T) {
	bit, ok := classifyHalfBit(58)
	assert.True(t, ok)
	assert.True(t, bit)

	bit, ok = classifyHalfBit(100)
	assert.True(t, ok)
	assert.False(t, bit)

	_, ok = classifyHalfBit(75)
	assert.False(t, ok, "a duration between the two windows is not a valid half-bit")
}

func TestDecodePacket_BasicSpeedAndDirection(t *testing.T) {
	// address 3, instr 0x7F = forward (bit5 set), speed bits all set (31)
	pkt, ok := decodePacket(bitsFor(3, 0x7F), 3, false)
	assert.True(t, ok)
	assert.Equal(t, Forward, pkt.Direction)
	assert.Greater(t, pkt.Speed, uint8(0))
}

func TestDecodePacket_EStop(t *testing.T) {
	// speed bits == 1 is emergency stop regardless of direction bit
	pkt, ok := decodePacket(bitsFor(3, 0x61), 3, false)
	assert.True(t, ok)
	assert.True(t, pkt.EStop)
}

func TestDecodePacket_AddressMismatchRejected(t *testing.T) {
	_, ok := decodePacket(bitsFor(3, 0x7F), 5, false)
	assert.False(t, ok)
}

func TestDecodePacket_FunctionGroup1(t *testing.T) {
	// 0x90 = function group 1 with F0 (bit4) set
	pkt, ok := decodePacket(bitsFor(3, 0x90), 3, false)
	assert.True(t, ok)
	assert.Equal(t, uint8(0x10), pkt.Functions)
}

func TestDecodePacket_LongAddress(t *testing.T) {
	// long address 300 = 0x12C -> high byte 0xC1 (0xC0 | 0x01), low byte 0x2C
	pkt, ok := decodePacket(bitsFor(0xC1, 0x2C, 0x7F), 300, true)
	assert.True(t, ok)
	assert.Equal(t, 300, pkt.Address)
}

func TestIsActive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := &Decoder{clock: clock}
	assert.False(t, d.IsActive(time.Second), "never-received must not be active")

	d.lastRx = clock.now
	assert.True(t, d.IsActive(time.Second))

	clock.now = clock.now.Add(2 * time.Second)
	assert.False(t, d.IsActive(time.Second), "stale packet must expire")
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }
