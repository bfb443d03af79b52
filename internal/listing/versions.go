package listing

import (
	"encoding/binary"
	"sync/atomic"
)

// Versions holds the change counters of one MAS instance. Counters only
// grow; they restart from zero only when the instance is rebuilt.
type Versions struct {
	folder  atomic.Uint64
	smsMMS  atomic.Uint64
	imEmail atomic.Uint64
}

// BumpFolder records one folder content change batch.
func (v *Versions) BumpFolder() uint64 {
	return v.folder.Add(1)
}

// BumpConversation records one conversation change batch for cat.
func (v *Versions) BumpConversation(cat Category) uint64 {
	if cat&CategorySMSMMS != 0 {
		return v.smsMMS.Add(1)
	}
	return v.imEmail.Add(1)
}

func (v *Versions) Folder() uint64 {
	return v.folder.Load()
}

func (v *Versions) Conversation(cat Category) uint64 {
	if cat&CategorySMSMMS != 0 {
		return v.smsMMS.Load()
	}
	return v.imEmail.Load()
}

// Combined is the sum of both conversation counters. It is only a change
// token: two different states can produce the same value.
func (v *Versions) Combined() uint64 {
	return v.smsMMS.Load() + v.imEmail.Load()
}

// Counter128 renders a counter as the 16 byte big-endian value carried in
// the version application parameters.
func Counter128(v uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[8:], v)
	return b
}
