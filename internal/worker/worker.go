package worker

// Worker applies jobs handed to it through its own channel.
type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			w.pool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				if job.stop {
					return
				}
				w.pool.handle(job)
			case <-w.pool.quit:
				return
			}
		}
	}()
}
