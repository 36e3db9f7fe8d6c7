package gontpc

import (
	"math"
	"math/bits"
	"strconv"
	"time"
)

// NTPEpochOffset is the number of seconds from 1900-01-01 to 1970-01-01.
const NTPEpochOffset = 2_208_988_800

const nanoPerSec = 1e9

var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Time32 is the NTP short format: 16 bits of seconds, 16 bits of fraction.
type Time32 struct {
	Whole    uint16
	Fraction uint16
}

func time32(v uint32) Time32 {
	return Time32{Whole: uint16(v >> 16), Fraction: uint16(v)}
}

func (t Time32) uint32() uint32 {
	return uint32(t.Whole)<<16 | uint32(t.Fraction)
}

// ByteSwapped swaps the byte order of each part independently.
func (t Time32) ByteSwapped() Time32 {
	return Time32{
		Whole:    bits.ReverseBytes16(t.Whole),
		Fraction: bits.ReverseBytes16(t.Fraction),
	}
}

func (t Time32) Seconds() float64 {
	return float64(t.Whole) + float64(t.Fraction)/(1<<16)
}

func (t Time32) Duration() time.Duration {
	return time.Duration(t.Whole)*time.Second +
		time.Duration(t.Fraction)*time.Second>>16
}

// Time32FromDuration encodes d in the short format. d is truncated to
// whole units of 1/65536 s.
func Time32FromDuration(d time.Duration) Time32 {
	sec := d / nanoPerSec
	frac := (d - sec*nanoPerSec) << 16 / nanoPerSec
	return Time32{Whole: uint16(sec), Fraction: uint16(frac)}
}

// Time32FromSeconds encodes s in the short format.
func Time32FromSeconds(s float64) Time32 {
	whole, frac := math.Modf(s)
	return Time32{Whole: uint16(whole), Fraction: uint16(frac * (1 << 16))}
}

// Time64 is the NTP timestamp format: 32 bits of seconds since the NTP
// epoch, 32 bits of fraction.
type Time64 struct {
	Whole    uint32
	Fraction uint32
}

func time64(v uint64) Time64 {
	return Time64{Whole: uint32(v >> 32), Fraction: uint32(v)}
}

func (t Time64) uint64() uint64 {
	return uint64(t.Whole)<<32 | uint64(t.Fraction)
}

// ByteSwapped swaps the byte order of each part independently.
func (t Time64) ByteSwapped() Time64 {
	return Time64{
		Whole:    bits.ReverseBytes32(t.Whole),
		Fraction: bits.ReverseBytes32(t.Fraction),
	}
}

// Seconds returns the timestamp as seconds since the NTP epoch.
//
// The fraction is read as the decimal digits after the point, so
// {Whole: 1, Fraction: 5} is 1.5 and {Whole: 1, Fraction: 1 << 31} is
// 1.2147483648. This is not the fixed-point value (Whole + Fraction/2^32)
// but it is what clients of this package have always received.
func (t Time64) Seconds() float64 {
	s := strconv.FormatUint(uint64(t.Whole), 10) + "." + strconv.FormatUint(uint64(t.Fraction), 10)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return float64(t.Whole)
	}
	return f
}

// Time returns the fixed-point value of t as a calendar time in era 0.
func (t Time64) Time() time.Time {
	nsec := int64(uint64(t.Fraction) * nanoPerSec >> 32)
	return time.Unix(int64(t.Whole)-NTPEpochOffset, nsec)
}

// Time64FromTime encodes t as an NTP timestamp.
func Time64FromTime(t time.Time) Time64 {
	nsec := uint64(t.Sub(ntpEpoch))
	sec := nsec / nanoPerSec
	frac := (nsec - sec*nanoPerSec) << 32 / nanoPerSec
	return Time64{Whole: uint32(sec), Fraction: uint32(frac)}
}

// Time64FromSeconds encodes s, seconds since the NTP epoch, as a
// fixed-point timestamp.
func Time64FromSeconds(s float64) Time64 {
	whole, frac := math.Modf(s)
	return Time64{Whole: uint32(whole), Fraction: uint32(frac * (1 << 32))}
}

// ToCalendarTime converts seconds since the NTP epoch to a calendar time.
func ToCalendarTime(seconds float64) time.Time {
	return ToCalendarTimeOffset(seconds, NTPEpochOffset)
}

// ToCalendarTimeOffset converts seconds to a calendar time by subtracting
// epochOffset, the distance in seconds between the source epoch and the
// Unix epoch.
func ToCalendarTimeOffset(seconds, epochOffset float64) time.Time {
	sec, frac := math.Modf(seconds - epochOffset)
	return time.Unix(int64(sec), int64(frac*nanoPerSec))
}
