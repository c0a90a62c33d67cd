// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shimhv is the hypervisor shim IPCP engine (spec §4.5): a
// fixed 64-channel VMPI array multiplexed over one vsock connection,
// channel 0 reserved for the binary allocate/deallocate control
// protocol, channels 1-63 carrying SDUs for one flow each.
package shimhv

import (
	"encoding/binary"
	"fmt"
)

// NumChannels is the size of the fixed VMPI channel array (spec §4.5).
const NumChannels = 64

// ControlChannel is reserved for CmdAllocateReq/Resp/Deallocate
// messages; it never carries a flow.
const ControlChannel = 0

// MaxMessageSize bounds any single VMPI message, control or data (spec §4.5).
const MaxMessageSize = 2000

// Control command bytes (spec §4.5 wire protocol).
const (
	CmdAllocateReq  byte = 0
	CmdAllocateResp byte = 1
	CmdDeallocate   byte = 2
)

// AllocateResponse values carried by a CMD_ALLOCATE_RESP message.
const (
	AllocateAccept byte = 0
	AllocateReject byte = 1
)

// channelOrder is the byte order of the u32 channel field in every
// control message. The original ser_uint32/des_uint32 write the value
// through a raw uint32* cast with no htonl/ntohl, so the channel field
// is native byte order, not wire-standard big-endian.
var channelOrder = binary.NativeEndian

// EncodeAllocateReq builds a CMD_ALLOCATE_REQ message: u8 cmd | u32
// channel | cstring src | cstring dst.
func EncodeAllocateReq(channel uint32, src, dst string) []byte {
	buf := make([]byte, 1+4+len(src)+1+len(dst)+1)
	buf[0] = CmdAllocateReq
	channelOrder.PutUint32(buf[1:5], channel)
	off := 5
	off += copy(buf[off:], src)
	buf[off] = 0
	off++
	off += copy(buf[off:], dst)
	buf[off] = 0
	return buf
}

// DecodeAllocateReq parses a CMD_ALLOCATE_REQ message; payload includes
// the leading cmd byte, as handleControlFrame passes the whole message.
func DecodeAllocateReq(payload []byte) (channel uint32, src, dst string, err error) {
	if len(payload) < 7 || payload[0] != CmdAllocateReq {
		return 0, "", "", fmt.Errorf("shimhv: malformed ALLOCATE_REQ")
	}
	channel = channelOrder.Uint32(payload[1:5])
	rest := payload[5:]
	srcEnd := indexByte(rest, 0)
	if srcEnd < 0 {
		return 0, "", "", fmt.Errorf("shimhv: ALLOCATE_REQ missing src terminator")
	}
	src = string(rest[:srcEnd])
	rest = rest[srcEnd+1:]
	dstEnd := indexByte(rest, 0)
	if dstEnd < 0 {
		return 0, "", "", fmt.Errorf("shimhv: ALLOCATE_REQ missing dst terminator")
	}
	dst = string(rest[:dstEnd])
	return channel, src, dst, nil
}

// EncodeAllocateResp builds a CMD_ALLOCATE_RESP message: u8 cmd | u32
// channel | u8 response.
func EncodeAllocateResp(channel uint32, response byte) []byte {
	buf := make([]byte, 6)
	buf[0] = CmdAllocateResp
	channelOrder.PutUint32(buf[1:5], channel)
	buf[5] = response
	return buf
}

// DecodeAllocateResp parses a CMD_ALLOCATE_RESP message body.
func DecodeAllocateResp(payload []byte) (channel uint32, response byte, err error) {
	if len(payload) != 6 || payload[0] != CmdAllocateResp {
		return 0, 0, fmt.Errorf("shimhv: malformed ALLOCATE_RESP")
	}
	return channelOrder.Uint32(payload[1:5]), payload[5], nil
}

// EncodeDeallocate builds a CMD_DEALLOCATE message: u8 cmd | u32 channel.
func EncodeDeallocate(channel uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = CmdDeallocate
	channelOrder.PutUint32(buf[1:5], channel)
	return buf
}

// DecodeDeallocate parses a CMD_DEALLOCATE message body.
func DecodeDeallocate(payload []byte) (channel uint32, err error) {
	if len(payload) != 5 || payload[0] != CmdDeallocate {
		return 0, fmt.Errorf("shimhv: malformed DEALLOCATE")
	}
	return channelOrder.Uint32(payload[1:5]), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
