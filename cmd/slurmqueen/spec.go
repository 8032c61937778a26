package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vuphan314/slurmqueen/internal/experiment"
	"github.com/vuphan314/slurmqueen/internal/gateway/sshgate"
	"github.com/vuphan314/slurmqueen/internal/models"
	"github.com/vuphan314/slurmqueen/internal/script"
	"github.com/vuphan314/slurmqueen/internal/store"
)

// specFile is the on-disk experiment description: the task grid plus the
// Slurm resource requests shared by every task.
type specFile struct {
	experiment.Definition
	Resources script.Resources `json:"resources"`
}

func loadSpec(specPath string) (*specFile, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}
	var spec specFile
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec file %s: %w", specPath, err)
	}
	if spec.OutputRoot == "" {
		spec.OutputRoot = filepath.Join(filepath.Dir(specPath), spec.Name)
	}
	return &spec, nil
}

// sshFlags holds the connection flags shared by the commands that talk
// to the cluster.
type sshFlags struct {
	host string
	user string
	key  string
}

func (f *sshFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "cluster head node as host:port (required)")
	cmd.Flags().StringVar(&f.user, "user", "", "remote login name (required)")
	cmd.Flags().StringVar(&f.key, "key", defaultKeyFile(), "private key for authentication")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")
}

func (f *sshFlags) gateway(logger *zap.Logger) (*sshgate.Gateway, error) {
	return sshgate.New(sshgate.Config{
		Addr:    f.host,
		User:    f.user,
		KeyFile: f.key,
	}, logger)
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}

// openExperiment builds the experiment from a spec file, opens its
// results database and reconciles the task list against recorded state
// so a restarted run resumes instead of starting over.
func openExperiment(specPath string, logger *zap.Logger) (*models.Experiment, *script.Resources, *store.Store, error) {
	spec, err := loadSpec(specPath)
	if err != nil {
		return nil, nil, nil, err
	}
	exp, err := experiment.Define(spec.Definition)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.New(filepath.Join(exp.OutputRoot, "_results.db"), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.CreateExperiment(exp); err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	states, err := st.LoadTaskStates(exp.Name)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	for _, task := range exp.Tasks {
		if rec, ok := states[task.ID]; ok {
			task.State = rec.State
			task.Attempts = rec.Attempts
			task.JobID = rec.JobID
		}
	}
	return exp, &spec.Resources, st, nil
}

// registerLiveJobs primes the gateway with the jobs a previous process
// left on the cluster, so polling and collection pick them back up.
func registerLiveJobs(gw *sshgate.Gateway, exp *models.Experiment) {
	for _, task := range exp.Tasks {
		if task.JobID == "" {
			continue
		}
		if task.State.InFlight() || task.State == models.TaskStateSucceeded {
			gw.RegisterJob(task.JobID, path.Join(exp.RemoteRoot, task.ID))
		}
	}
}
