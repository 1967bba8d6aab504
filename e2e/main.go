package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/mysql"
	"github.com/olivere/jobdispatch/sqlite"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobdispatch_e2e?loc=UTC&parseTime=true"
	)
	var (
		concurrency     = flag.Int("c", 2, "number of workers per lane")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		dbtype          = flag.String("dbtype", "memory", "Storage type (memory, sqlite, or mysql)")
		dburl           = flag.String("dburl", "", "SQLite path or MySQL dsn for persistent storage, e.g. "+exampleDBURL)
		typesList       = flag.String("types", "summarize,embed,ocr,backfill", "comma-separated list of job types")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	if *concurrency <= 0 {
		log.Fatal("c must be greater than 0")
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx := context.Background()

	// Initialize the manager
	var options []jobdispatch.ManagerOption
	switch *dbtype {
	case "memory":
	case "sqlite":
		store, err := sqlite.Open(ctx, *dburl)
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()
		options = append(options, jobdispatch.SetStore(store), jobdispatch.SetRecoverPending(true))
	case "mysql":
		store, err := mysql.NewStore(ctx, *dburl)
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()
		options = append(options, jobdispatch.SetStore(store), jobdispatch.SetRecoverPending(true))
	default:
		log.Fatal("unsupported dbtype; use memory, sqlite, or mysql")
	}
	for _, lane := range jobdispatch.DefaultLanes() {
		options = append(options, jobdispatch.SetLaneConcurrency(lane.Name, *concurrency))
	}
	m := jobdispatch.New(options...)

	// Add job types and processors
	types := strings.Split(*typesList, ",")
	for _, jobType := range types {
		err := m.Register(jobType, makeProcessor(*failureRate, *runTime))
		if err != nil {
			log.Fatal(err)
		}
	}

	// Start the manager
	err := m.Start()
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Enqueue jobs
	go func() {
		errc <- enqueuer(ctx, m, types, *fillTime)
	}()

	// Print stats
	go logger(ctx, m, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func enqueuer(ctx context.Context, m *jobdispatch.Manager, types []string, fillTime time.Duration) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		jobType := types[rand.Intn(len(types))]
		cnt++
		payload := map[string]interface{}{"content": fmt.Sprintf("#%05d", cnt)}
		priority := 1 + rand.Intn(jobdispatch.MaxPriority)
		if _, err := m.Submit(ctx, jobType, payload, priority); err != nil {
			return err
		}
	}
}

func logger(ctx context.Context, m *jobdispatch.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss, err := m.Stats(ctx, &jobdispatch.StatsRequest{})
		if err != nil {
			continue
		}
		report, err := m.Health(ctx)
		if err != nil {
			continue
		}
		var lanes []string
		for _, lane := range report.Lanes {
			lanes = append(lanes, fmt.Sprintf("%s=%d/%d", lane.Lane, lane.Active, lane.Reserved))
		}
		fmt.Printf("Pending=%6d InProgress=%6d Completed=%6d Failed=%6d Lanes[%s]\n",
			ss.Pending,
			ss.InProgress,
			ss.Completed,
			ss.Failed,
			strings.Join(lanes, " "))
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) jobdispatch.Processor {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
		progress(20)
		time.Sleep(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond)
		progress(80)
		if rand.Float64() < failureRate {
			return nil, errors.New("processor failed")
		}
		return map[string]interface{}{"content": job.Payload["content"]}, nil
	}
}
