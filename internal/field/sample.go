package field

// Sample is one worker's field grid together with the number of particles
// that went into it.
type Sample struct {
	Grid      Grid `json:"grid"`
	Particles int  `json:"particles"`
}

// WorkerResult is what travels from a worker back to the coordinator.
type WorkerResult struct {
	WorkerID       int            `json:"worker_id"`
	Sample         Sample         `json:"sample"`
	DescriptorHash DescriptorHash `json:"descriptor_hash"`
}
