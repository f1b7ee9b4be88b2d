// Quantized encodings for vectors, transforms and points

package netstream

import (
	"math"
)

// Widths for the compressed point tiers. The last tier
// falls back to raw floats.
var gBitCounts = [4]uint32{
	16, 18, 20, 32,
}

func (b *BitStream) ClearCompressionPoint() {
	b.compressPoint.Set(0, 0, 0)
}

// Sets the reference point for compressed point encoding.
// Both sides of the connection must agree on it.
func (b *BitStream) SetCompressionPoint(p Point3F) {
	b.compressPoint = p
}

// Writes a unit vector as two angles: heading in bitCount + 1
// bits, latitude in bitCount bits
func (b *BitStream) WriteNormalVector(vec Point3F, bitCount uint32) {
	phi := atan232(vec.X, vec.Y) / math.Pi
	theta := atan232(vec.Z, sqrt32(vec.X*vec.X+vec.Y*vec.Y)) / (math.Pi / 2.0)

	b.WriteSignedFloat(phi, bitCount+1)
	b.WriteSignedFloat(theta, bitCount)
}

func (b *BitStream) ReadNormalVector(bitCount uint32) Point3F {
	phi := b.ReadSignedFloat(bitCount+1) * math.Pi
	theta := b.ReadSignedFloat(bitCount) * (math.Pi / 2.0)

	var vec Point3F
	vec.X = sin32(phi) * cos32(theta)
	vec.Y = cos32(phi) * cos32(theta)
	vec.Z = sin32(theta)
	return vec
}

// Quantizes a unit vector the same way sending it would
func DumbDownNormal(vec Point3F, bitCount uint32) Point3F {
	var buffer [128]byte
	temp := CreateBitStream(buffer[:])

	temp.WriteNormalVector(vec, bitCount)
	temp.SetCurPos(0)

	return temp.ReadNormalVector(bitCount)
}

// Writes a unit vector as its z component plus a heading angle.
// Quantization error stays even near the poles, unlike the
// two-angle form.
func (b *BitStream) WriteNormalVectorZ(vec Point3F, angleBitCount uint32, zBitCount uint32) {
	b.WriteSignedFloat(clamp32(vec.Z, -1.0, 1.0), zBitCount)

	epsilon := float32(0.00001)
	if fabs32(vec.X) > epsilon || fabs32(vec.Y) > epsilon {
		b.WriteSignedFloat(atan232(vec.X, vec.Y)/(2*math.Pi), angleBitCount)
	} else {
		// angle won't matter...
		b.WriteSignedFloat(0.0, angleBitCount)
	}
}

func (b *BitStream) ReadNormalVectorZ(angleBitCount uint32, zBitCount uint32) Point3F {
	var vec Point3F
	vec.Z = b.ReadSignedFloat(zBitCount)

	angle := 2 * math.Pi * b.ReadSignedFloat(angleBitCount)

	mult := 1.0 - vec.Z*vec.Z
	if mult > 0.0 {
		// quantization can leave z slightly over 1
		mult = sqrt32(mult)
	} else {
		mult = 0.0
	}

	vec.X = mult * sin32(angle)
	vec.Y = mult * cos32(angle)
	return vec
}

// Writes a vector of bounded magnitude: a zero flag, then the
// magnitude (quantized under maxMag, raw above it), then the
// direction as a unit vector
func (b *BitStream) WriteVector(vec Point3F, minMag float32, maxMag float32, magBits uint32, angleBits uint32, zBits uint32) {
	mag := vec.Len()
	if b.WriteFlag(mag > minMag) {
		if b.WriteFlag(mag < maxMag) {
			b.WriteFloat(mag/maxMag, magBits)
		} else {
			b.WriteF32(mag)
		}
		vec = vec.Scale(1.0 / mag)
		b.WriteNormalVectorZ(vec, angleBits, zBits)
	}
}

func (b *BitStream) ReadVector(minMag float32, maxMag float32, magBits uint32, angleBits uint32, zBits uint32) Point3F {
	var vec Point3F
	if b.ReadFlag() {
		var mag float32
		if b.ReadFlag() {
			mag = b.ReadFloat(magBits) * maxMag
		} else {
			mag = b.ReadF32()
		}

		vec = b.ReadNormalVectorZ(angleBits, zBits)
		vec = vec.Scale(mag)
	} else {
		vec.Set(0, 0, 0)
	}
	return vec
}

// Writes an affine transform as its translation column plus a
// normalized quaternion (x, y, z raw, w restored from the norm)
func (b *BitStream) WriteAffineTransform(matrix *MatrixF) {
	var pos Point3F
	matrix.GetColumn(3, &pos)
	MathWritePoint3F(b, pos)

	q := CreateQuatF(matrix)
	q.Normalize()
	b.WriteF32(q.X)
	b.WriteF32(q.Y)
	b.WriteF32(q.Z)
	b.WriteFlag(q.W < 0.0)
}

func (b *BitStream) ReadAffineTransform(matrix *MatrixF) {
	pos := MathReadPoint3F(b)

	var q QuatF
	q.X = b.ReadF32()
	q.Y = b.ReadF32()
	q.Z = b.ReadF32()

	sq := q.X*q.X + q.Y*q.Y + q.Z*q.Z
	if sq > 1.0 {
		sq = 1.0
	}
	q.W = sqrt32(1.0 - sq)
	if b.ReadFlag() {
		q.W = -q.W
	}

	*matrix = CreateIdentityMatrixF()
	q.SetMatrix(matrix)
	matrix.SetColumn(3, pos)
}

// Writes a point relative to the compression point. A 2 bit tier
// selects 16, 18 or 20 bits per axis depending on the distance;
// points too far out go as raw absolute floats.
func (b *BitStream) WriteCompressedPoint(p Point3F, scale float32) {
	// Same # of bits for all axis
	invScale := 1 / scale
	vec := p.Sub(b.compressPoint)
	dist := vec.Len() * invScale

	var tier uint32
	if dist < (1 << 15) {
		tier = 0
	} else if dist < (1 << 17) {
		tier = 1
	} else if dist < (1 << 19) {
		tier = 2
	} else {
		tier = 3
	}

	b.WriteInt(tier, 2)

	if tier != 3 {
		bits := gBitCounts[tier]
		b.WriteSignedInt(int32(math.Round(float64(vec.X*invScale))), bits)
		b.WriteSignedInt(int32(math.Round(float64(vec.Y*invScale))), bits)
		b.WriteSignedInt(int32(math.Round(float64(vec.Z*invScale))), bits)
	} else {
		b.WriteF32(p.X)
		b.WriteF32(p.Y)
		b.WriteF32(p.Z)
	}
}

func (b *BitStream) ReadCompressedPoint(scale float32) Point3F {
	// Same # of bits for all axis
	tier := b.ReadInt(2)

	var p Point3F
	if tier == 3 {
		p.X = b.ReadF32()
		p.Y = b.ReadF32()
		p.Z = b.ReadF32()
	} else {
		bits := gBitCounts[tier]
		p.X = float32(b.ReadSignedInt(bits))
		p.Y = float32(b.ReadSignedInt(bits))
		p.Z = float32(b.ReadSignedInt(bits))

		p.X = b.compressPoint.X + p.X*scale
		p.Y = b.compressPoint.Y + p.Y*scale
		p.Z = b.compressPoint.Z + p.Z*scale
	}
	return p
}
