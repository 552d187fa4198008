//go:build !unix

package main

import "errors"

type mappedRAM struct{}

func mapRAM(uint64) (*mappedRAM, error) {
	return nil, errors.New("emulated RAM requires a unix host")
}

func (*mappedRAM) Words(uintptr, int) []uint64 { return nil }

func (*mappedRAM) Close() error { return nil }
