package model

// Resource identifies one physical rig subsystem the scheduler
// arbitrates access to.
type Resource string

const (
	ResourceStage       Resource = "stage"
	ResourceCamera      Resource = "camera"
	ResourceIlluminator Resource = "illuminator"
	ResourceManifold    Resource = "valve-manifold"
	ResourceProbe       Resource = "probe"
)

// LockMode is the mutual-exclusion class of a resource, and also the
// mode a lease is requested in.
type LockMode string

const (
	// LockExclusive admits a single holder at a time.
	LockExclusive LockMode = "exclusive"

	// LockSharedRead admits any number of concurrent readers but no
	// exclusive holder.
	LockSharedRead LockMode = "shared-read"
)

// ResourceClass pairs a resource with its mutual-exclusion class. The
// set of classes is fixed at scheduler construction.
type ResourceClass struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Mode     LockMode `json:"mode" yaml:"mode"`
}

// DefaultResources returns the standard rig resource set: stage,
// camera, illuminator, and valve manifold are exclusive; the
// environmental probe is shared-read.
func DefaultResources() []ResourceClass {
	return []ResourceClass{
		{Resource: ResourceStage, Mode: LockExclusive},
		{Resource: ResourceCamera, Mode: LockExclusive},
		{Resource: ResourceIlluminator, Mode: LockExclusive},
		{Resource: ResourceManifold, Mode: LockExclusive},
		{Resource: ResourceProbe, Mode: LockSharedRead},
	}
}
