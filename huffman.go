// Huffman string coding with prefix elision

package netstream

import (
	"encoding/binary"
	"sync"
)

// Internal tree node. A negative child index encodes a
// leaf as -(leafIndex + 1).
type huffNode struct {
	pop uint32

	index0 int16
	index1 int16
}

type huffLeaf struct {
	pop uint32

	numBits uint8
	symbol  byte
	code    uint32 // no code is longer than 32 bits
}

// Working set entry during tree construction: a tag plus an
// index into the leaf or node table
type huffWrap struct {
	isLeaf bool
	index  int16
}

// Static canonical Huffman codec over single bytes. Tables are
// built once from the fixed frequency table and never change.
type HuffmanProcessor struct {
	buildOnce sync.Once

	huffNodes  []huffNode
	huffLeaves []huffLeaf
}

var gHuffProcessor = &HuffmanProcessor{}

func (p *HuffmanProcessor) wrapPop(w huffWrap) uint32 {
	if w.isLeaf {
		return p.huffLeaves[w.index].pop
	}
	return p.huffNodes[w.index].pop
}

func wrapIndex(w huffWrap) int16 {
	if w.isLeaf {
		return -(w.index + 1)
	}
	return w.index
}

func (p *HuffmanProcessor) buildTables() {
	var i int32

	p.huffLeaves = make([]huffLeaf, 256)
	p.huffNodes = make([]huffNode, 1, 256)
	for i = 0; i < 256; i++ {
		leaf := &p.huffLeaves[i]

		leaf.pop = gCharFreqs[i] + 1
		leaf.symbol = byte(i)

		leaf.code = 0
		leaf.numBits = 0
	}

	currWraps := int32(256)
	var wraps [256]huffWrap
	for i = 0; i < 256; i++ {
		wraps[i] = huffWrap{isLeaf: true, index: int16(i)}
	}

	for currWraps != 1 {
		min1 := uint32(0xfffffffe)
		min2 := uint32(0xffffffff)
		index1 := int32(-1)
		index2 := int32(-1)

		for i = 0; i < currWraps; i++ {
			pop := p.wrapPop(wraps[i])
			if pop < min1 {
				min2 = min1
				index2 = index1

				min1 = pop
				index1 = i
			} else if pop < min2 {
				min2 = pop
				index2 = i
			}
		}

		node := huffNode{
			pop:    p.wrapPop(wraps[index1]) + p.wrapPop(wraps[index2]),
			index0: wrapIndex(wraps[index1]),
			index1: wrapIndex(wraps[index2]),
		}
		p.huffNodes = append(p.huffNodes, node)

		mergeIndex := index1
		nukeIndex := index2
		if index1 > index2 {
			mergeIndex = index2
			nukeIndex = index1
		}
		wraps[mergeIndex] = huffWrap{isLeaf: false, index: int16(len(p.huffNodes) - 1)}

		if index2 != currWraps-1 {
			wraps[nukeIndex] = wraps[currWraps-1]
		}
		currWraps--
	}

	// The walk starts at node 0, so the root moves there.
	// Slot 0 was reserved and is never referenced as a child.
	p.huffNodes[0] = p.huffNodes[wraps[0].index]

	var codeBuf [4]byte
	bs := CreateBitStream(codeBuf[:])

	p.generateCodes(bs, 0, 0)
}

func (p *HuffmanProcessor) generateCodes(bs *BitStream, index int16, depth int32) {
	if index < 0 {
		leaf := &p.huffLeaves[-(index + 1)]

		leaf.code = binary.LittleEndian.Uint32(bs.GetBuffer())
		leaf.numBits = uint8(depth)
	} else {
		node := p.huffNodes[index]

		pos := bs.GetCurPos()

		bs.WriteFlag(false)
		p.generateCodes(bs, node.index0, depth+1)

		bs.SetCurPos(pos)
		bs.WriteFlag(true)
		p.generateCodes(bs, node.index1, depth+1)

		bs.SetCurPos(pos)
	}
}

// Decodes a string into dst, null terminated. Returns the
// decoded length. Symbols past the capacity of dst are
// consumed from the stream but dropped.
func (p *HuffmanProcessor) readHuffBuffer(bs *BitStream, dst []byte) uint32 {
	p.buildOnce.Do(p.buildTables)

	if bs.ReadFlag() {
		length := bs.ReadInt(8)
		for i := uint32(0); i < length; i++ {
			index := int16(0)
			for {
				if index >= 0 {
					if bs.ReadFlag() {
						index = p.huffNodes[index].index1
					} else {
						index = p.huffNodes[index].index0
					}
				} else {
					if int(i) < len(dst)-1 {
						dst[i] = p.huffLeaves[-(index + 1)].symbol
					}
					break
				}
			}
		}
		if int(length) > len(dst)-1 {
			length = uint32(len(dst) - 1)
		}
		dst[length] = 0
		return length
	}

	// Uncompressed string...
	length := bs.ReadInt(8)
	if int(length) > len(dst)-1 {
		var dropped [256]byte
		bs.ReadBytes(dst[:len(dst)-1])
		bs.ReadBytes(dropped[:int(length)-(len(dst)-1)])
		length = uint32(len(dst) - 1)
	} else {
		bs.ReadBytes(dst[:length])
	}
	dst[length] = 0
	return length
}

// Encodes a string, choosing the smaller of the coded and
// raw forms. The form goes on the wire as a leading flag.
func (p *HuffmanProcessor) writeHuffBuffer(bs *BitStream, s []byte, maxLen uint32) {
	p.buildOnce.Do(p.buildTables)

	length := uint32(len(s))
	if length > 255 {
		LogDebug("writeHuffBuffer: string too long, clamping")
		length = 255
	}
	if length > maxLen {
		length = maxLen
	}

	var numBits uint32
	var i uint32
	for i = 0; i < length; i++ {
		numBits += uint32(p.huffLeaves[s[i]].numBits)
	}

	if numBits >= length*8 {
		bs.WriteFlag(false)
		bs.WriteInt(length, 8)
		bs.WriteBytes(s[:length])
	} else {
		bs.WriteFlag(true)
		bs.WriteInt(length, 8)
		for i = 0; i < length; i++ {
			leaf := &p.huffLeaves[s[i]]
			var code [4]byte
			binary.LittleEndian.PutUint32(code[:], leaf.code)
			bs.WriteBits(uint32(leaf.numBits), code[:])
		}
	}
}

// Length of the 256 byte string memoization slot
const StringBufferSize = 256

// Binds a 256 byte slot holding the last string sent or received,
// so consecutive strings only carry their changed suffix.
// A nil buffer disables prefix elision.
func (b *BitStream) SetStringBuffer(buffer []byte) {
	b.stringBuffer = buffer
}

func strByteAt(s string, i uint32) byte {
	if int(i) < len(s) {
		return s[i]
	}
	return 0
}

// Length of a null terminated string inside a slot
func cstrLen(buf []byte) uint32 {
	var i uint32
	for int(i) < len(buf) && buf[i] != 0 {
		i++
	}
	return i
}

// Writes a string of up to maxLen bytes. With a string buffer
// bound, a shared prefix of more than 2 bytes with the previous
// string is sent as an 8 bit offset instead of payload.
func (b *BitStream) WriteString(s string, maxLen uint32) {
	if maxLen > 255 {
		maxLen = 255
	}
	if b.stringBuffer != nil {
		var j uint32
		for j = 0; j < maxLen && b.stringBuffer[j] == strByteAt(s, j) && strByteAt(s, j) != 0; j++ {
		}
		for i := uint32(0); i < maxLen; i++ {
			b.stringBuffer[i] = strByteAt(s, i)
		}
		b.stringBuffer[maxLen] = 0

		if b.WriteFlag(j > 2) {
			b.WriteInt(j, 8)
			tail := s
			if int(j) < len(s) {
				tail = s[j:]
			} else {
				tail = ""
			}
			gHuffProcessor.writeHuffBuffer(b, []byte(tail), maxLen-j)
			return
		}
	}
	gHuffProcessor.writeHuffBuffer(b, []byte(s), maxLen)
}

// Reads a string written by WriteString. The bound string
// buffer must match the writer's.
func (b *BitStream) ReadString() string {
	if b.stringBuffer != nil {
		if b.ReadFlag() {
			offset := b.ReadInt(8)
			gHuffProcessor.readHuffBuffer(b, b.stringBuffer[offset:])
			return string(b.stringBuffer[:cstrLen(b.stringBuffer)])
		}
	}
	var buf [256]byte
	length := gHuffProcessor.readHuffBuffer(b, buf[:])
	if b.stringBuffer != nil {
		copy(b.stringBuffer, buf[:length+1])
	}
	return string(buf[:length])
}

// Character frequencies for natural language strings, used to
// seed the static tree. Every entry gets +1 so no symbol ends
// up unreachable.
var gCharFreqs = [256]uint32{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 329,
	21, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 2809, 68, 0, 27, 0, 58, 3, 62,
	4, 7, 0, 0, 15, 65, 554, 3, 394, 404,
	189, 117, 30, 51, 27, 15, 34, 32, 80, 1,
	142, 3, 142, 39, 0, 144, 125, 44, 122, 275,
	70, 135, 61, 127, 8, 12, 113, 246, 122, 36,
	185, 1, 149, 309, 335, 12, 11, 14, 54, 151,
	0, 0, 2, 0, 0, 211, 0, 2090, 344, 736,
	993, 2872, 701, 605, 646, 1552, 328, 305, 1240, 735,
	1533, 1713, 562, 3, 1775, 1149, 1469, 979, 407, 553,
	59, 279, 31, 0, 0, 0, 68, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0,
}
