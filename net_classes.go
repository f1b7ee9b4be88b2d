// Network class id registry

package netstream

/* Class groups */

const NetClassGroupGame = 0
const NetClassGroupControl = 1

const NetClassGroupsCount = 2

/* Class types */

const NetClassTypeObject = 0
const NetClassTypeEvent = 1
const NetClassTypeCommand = 2

const NetClassTypesCount = 3

// Number of registered classes per group and type
var NetClassCount [NetClassGroupsCount][NetClassTypesCount]uint32

// Bits needed to send a class id of the given group and type
var NetClassBitSize [NetClassGroupsCount][NetClassTypesCount]uint32

// Registers the class count for a group and type, deriving
// the id field width. Call before any class id goes over the wire.
func SetNetClassCount(classGroup uint32, classType uint32, count uint32) {
	NetClassCount[classGroup][classType] = count

	bits := binLog2(nextPow2(count))
	if bits == 0 {
		bits = 1
	}
	NetClassBitSize[classGroup][classType] = bits
}

// Writes a class id using the width registered for its group and type
func (b *BitStream) WriteClassId(classId uint32, classType uint32, classGroup uint32) {
	if classType >= NetClassTypesCount || classId >= NetClassCount[classGroup][classType] {
		LogDebug("WriteClassId: out of range class id")
	}
	b.WriteInt(classId, NetClassBitSize[classGroup][classType])
}

// Reads a class id. Returns -1 if the decoded id is not
// a registered class.
func (b *BitStream) ReadClassId(classType uint32, classGroup uint32) int32 {
	ret := b.ReadInt(NetClassBitSize[classGroup][classType])
	if ret >= NetClassCount[classGroup][classType] {
		return -1
	}
	return int32(ret)
}
