//go:build !linux
// +build !linux

package jitter

func platformTime() uint64 {
	return monotonicTime()
}
