package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/Octogonapus/EintopfBenchmark/cluster"
	"github.com/Octogonapus/EintopfBenchmark/coordinator"
	"github.com/Octogonapus/EintopfBenchmark/credentials"
	"github.com/Octogonapus/EintopfBenchmark/fleet"
	"github.com/Octogonapus/EintopfBenchmark/membership"
	"github.com/Octogonapus/EintopfBenchmark/sweep"
	"github.com/Octogonapus/EintopfBenchmark/workload"
	"github.com/Octogonapus/EintopfBenchmark/workload/vote"
	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/config"
)

const soupAMI = "ami-72b0000d"

// Fan-out width for provisioning, bootstrap, distribution, and launch. One pool
// is shared across all sweep iterations.
const fanOutWorkers = 100

func main() {
	articles := flag.Int("articles", 100000, "Number of articles to prepopulate the database with.")
	runtime := flag.Int("runtime", 60, "Benchmark runtime in seconds.")
	distribution := flag.String("distribution", "", "How to distribute keys. Must be one of: uniform, skewed.")
	serverType := flag.String("server", "c5.4xlarge", "Instance type for servers.")
	servers := flag.Int("servers", 1, "Number of server machines to spawn with a scale of 1.")
	ami := flag.String("ami", soupAMI, "The machine image servers boot from.")
	roleARN := flag.String("role-arn", "arn:aws:sts::125163634912:role/soup", "The role assumed for all fleet operations.")
	sessionName := flag.String("session-name", "vote-benchmark", "The assume-role session name.")
	manifestPath := flag.String("manifest-path", "hosts", "The remote path the membership manifest is written to.")
	manifestPort := flag.Int("manifest-port", 1234, "The port nodes listen on for each other.")
	waitLimit := flag.Duration("wait-limit", cluster.DefaultWaitLimit, "How long one provisioning call may block, bootstrap included.")
	workloadFile := flag.String("workload-file", "", "A workload definition file containing exactly one workload. Overrides the built-in vote workload.")
	flag.Parse()
	scales := flag.Args()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if len(scales) == 0 {
		panic(fmt.Errorf("at least one scale factor is required"))
	}

	var w workload.Workload
	var err error
	if *workloadFile != "" {
		buf, err := os.ReadFile(*workloadFile)
		if err != nil {
			panic(err)
		}
		wf := workload.WorkloadFile{}
		err = json.Unmarshal(buf, &wf)
		if err != nil {
			panic(err)
		}
		if len(wf) != 1 {
			panic(fmt.Errorf("the workload file must contain exactly one workload, got %d", len(wf)))
		}
		w, err = workload.DeserializeWorkload(&wf[0])
		if err != nil {
			panic(err)
		}
	} else {
		w, err = vote.NewVoteWorkload(&vote.VoteWorkloadInput{
			Name:         "vote",
			Articles:     *articles,
			Runtime:      *runtime,
			Distribution: *distribution,
		})
		if err != nil {
			panic(err)
		}
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithEC2IMDSRegion())
	if err != nil {
		panic(err)
	}

	creds := credentials.NewAssumeRoleProvider(cfg, *roleARN, *sessionName)
	if _, err := creds.Obtain(context.Background()); err != nil {
		// A broken credential chain is a configuration problem; don't even start
		panic(err)
	}

	// If the user wants us to terminate, finish the current iteration first
	stop := &atomic.Bool{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("interrupt received, stopping after the current iteration")
		stop.Store(true)
		signal.Stop(sigCh)
	}()

	pool := pond.New(fanOutWorkers, 0, pond.MinWorkers(fanOutWorkers))
	defer pool.StopAndWait()

	backend := fleet.NewEC2Backend(&fleet.EC2BackendInput{
		AwsConfig: creds.Config(cfg),
		AMI:       *ami,
		User:      "ubuntu",
		SSHPort:   22,
		PeerPort:  *manifestPort,
		Pool:      pool,
	})
	err = backend.SetUp(context.Background())
	defer backend.TearDown()
	if err != nil {
		panic(err)
	}

	orch := sweep.New(
		&sweep.Config{
			BaseCount:    *servers,
			MachineClass: *serverType,
			ManifestPath: *manifestPath,
			ManifestPort: *manifestPort,
			Workload:     w,
		},
		cluster.NewProvisioner(backend, cluster.SSHDialer(22), pool, *waitLimit),
		membership.NewDistributor(pool, *manifestPath),
		coordinator.New(pool),
		stop,
	)
	orch.Sweep(context.Background(), scales)
}
