package worker

import "github.com/jmw-nz/hoard/pkg/logger"

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// Task is the unit of work a worker runs in a loop. The boolean
	// return reports whether any work was performed; returning false
	// sends the worker to sleep until it is woken by the pool.
	// A non-nil error stops the worker permanently.
	Task func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          Task
		wakeupChan    WorkerWakeupChan
		currentStatus WorkerStatus
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func NewWorker(label string, task Task) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop. Each time the task reports
// that no work was available, the worker sleeps until woken via it's
// wakeup channel. Closure of the wakeup channel terminates the loop.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.currentStatus = WORKING

	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s has reported an error(%T): %v\n", worker.label, err, err.Error())
			break
		}

		if didWork {
			continue
		}

		if isAlive := worker.Sleep(); !isAlive {
			break
		}
	}

	worker.currentStatus = FINISHED
	workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

func (worker *taskWorker) Status() WorkerStatus { return worker.currentStatus }

func (worker *taskWorker) WakeupChan() WorkerWakeupChan { return worker.wakeupChan }

func (worker *taskWorker) Label() string { return worker.label }

// Close closes the Worker by closing the WakeupChan. Note that this
// does not interrupt a task which is currently running.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Sleep puts a worker to sleep until it's wakeupChan is signalled
// from another goroutine. Returns a boolean that is 'false' if the
// wakeup channel was closed - indicating the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		worker.currentStatus = FINISHED
	}

	return isAlive
}
