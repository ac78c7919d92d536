package domain

// Queue is a FIFO of byte buffers pending write on one side of a tunnel.
// A partially written head buffer stays at the head with its offset advanced.
type Queue struct {
	bufs [][]byte
	off  int
	size int
}

// Push appends b. The queue takes ownership of b.
func (q *Queue) Push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.bufs = append(q.bufs, b)
	q.size += len(b)
}

// Len reports the number of buffered bytes.
func (q *Queue) Len() int {
	return q.size
}

func (q *Queue) Empty() bool {
	return q.size == 0
}

// Flush writes buffers from the head until the queue is empty, write returns
// an error, or write accepts fewer bytes than offered. It returns the number
// of bytes accepted.
func (q *Queue) Flush(write func([]byte) (int, error)) (int, error) {
	total := 0
	for len(q.bufs) > 0 {
		head := q.bufs[0][q.off:]
		n, err := write(head)
		if n < 0 {
			n = 0
		}
		total += n
		q.off += n
		q.size -= n

		if q.off == len(q.bufs[0]) {
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
			q.off = 0
		}
		if err != nil {
			return total, err
		}
		if n < len(head) {
			return total, nil
		}
	}
	q.bufs = nil
	return total, nil
}

func (q *Queue) Reset() {
	q.bufs = nil
	q.off = 0
	q.size = 0
}
