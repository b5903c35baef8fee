package queue

// Key layout of one queue. Pattern: queue:{name}:{part}
type keys struct {
	waiting   string // zset, score = priority * 2^32 + sequence
	delayed   string // zset, score = ready time (unix ms)
	active    string // set of job ids
	completed string // zset, score = finish time (unix ms)
	failed    string // zset, score = finish time (unix ms)
	seq       string // insertion counter for FIFO order within a priority
	jobPrefix string // hash per job: queue:{name}:job:{id}
}

func newKeys(name string) keys {
	base := "queue:" + name + ":"
	return keys{
		waiting:   base + "waiting",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
		seq:       base + "seq",
		jobPrefix: base + "job:",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}

func (k keys) finished(state State) (string, bool) {
	switch state {
	case StateCompleted:
		return k.completed, true
	case StateFailed:
		return k.failed, true
	default:
		return "", false
	}
}
