package proc

// Identity is the set of credentials a process acts with: real and
// effective uid/gid, the saved set-uid/set-gid pair restored by seteuid(2)
// style calls, and the supplementary group list.
type Identity struct {
	UserID  uint32
	GroupID uint32

	EffectiveUserID  uint32
	EffectiveGroupID uint32

	SetUserID  uint32
	SetGroupID uint32

	Groups []uint32
}

// kernelIdentity is the identity the kernel's own process runs with:
// absolute privilege over every check this package performs.
var kernelIdentity = Identity{}

// KernelIdentity returns the identity used by kernel-only processes.
func KernelIdentity() Identity {
	return kernelIdentity
}

// Clone returns a copy of id with its own backing array for Groups, so
// mutating the child's group list never affects the parent's.
func (id Identity) Clone() Identity {
	out := id
	out.Groups = append([]uint32(nil), id.Groups...)
	return out
}
