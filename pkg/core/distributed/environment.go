package distributed

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FP8EnvVar enables 8-bit float arithmetic when set to a true value ("1", "true", ...).
	FP8EnvVar = "GOMLX_FP8"

	// WorldSizeEnvVar sets the number of devices used for model parallelism.
	WorldSizeEnvVar = "GOMLX_WORLD_SIZE"

	// RankEnvVar sets the rank of the current process in the model parallel group.
	RankEnvVar = "GOMLX_RANK"
)

// Environment a compute pipeline is built for. It is read only after the pipeline is built.
type Environment struct {
	// FP8Enabled allows operations to use 8-bit float types. If false, all FP8 annotations are
	// downgraded to BFloat16.
	FP8Enabled bool

	// WorldSize is the number of devices taking part in model parallelism.
	WorldSize int

	// Group of devices used by the collective operations. Its Size must equal WorldSize.
	Group Group
}

// SingleDeviceEnvironment returns an environment for one device, with or without FP8.
func SingleDeviceEnvironment(fp8 bool) Environment {
	return Environment{FP8Enabled: fp8, WorldSize: 1, Group: SingleDevice()}
}

// Validate checks the consistency of the environment.
func (env Environment) Validate() error {
	if env.WorldSize < 1 {
		return errors.Errorf("invalid world size %d", env.WorldSize)
	}
	if env.Group == nil {
		return errors.New("environment has no distributed group")
	}
	if env.Group.Size() != env.WorldSize {
		return errors.Errorf("group %q has %d devices, but world size is %d", env.Group.Name(), env.Group.Size(), env.WorldSize)
	}
	return nil
}

// EnvironmentFromEnv configures the Environment from the environment variables GOMLX_FP8, GOMLX_WORLD_SIZE
// and GOMLX_RANK. Unset variables default to FP8 disabled and a single device.
//
// The Group is a 1D mesh with the world size, seen from GOMLX_RANK.
func EnvironmentFromEnv() (Environment, error) {
	env := Environment{WorldSize: 1}
	if v, found := os.LookupEnv(FP8EnvVar); found && strings.TrimSpace(v) != "" {
		fp8, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return env, errors.Wrapf(err, "failed to parse $%s=%q", FP8EnvVar, v)
		}
		env.FP8Enabled = fp8
	}
	worldSize, err := intFromEnv(WorldSizeEnvVar, 1)
	if err != nil {
		return env, err
	}
	rank, err := intFromEnv(RankEnvVar, 0)
	if err != nil {
		return env, err
	}
	env.WorldSize = worldSize
	mesh, err := NewDeviceMesh([]int{worldSize}, []string{"tp"})
	if err != nil {
		return env, errors.WithMessagef(err, "invalid $%s", WorldSizeEnvVar)
	}
	env.Group, err = NewMeshGroup(mesh, rank, "tp")
	if err != nil {
		return env, errors.WithMessagef(err, "invalid $%s", RankEnvVar)
	}
	klog.V(1).Infof("distributed environment from env: fp8=%v, world size=%d, group=%s", env.FP8Enabled, env.WorldSize, env.Group.Name())
	return env, nil
}

func intFromEnv(key string, defaultValue int) (int, error) {
	v, found := os.LookupEnv(key)
	if !found || strings.TrimSpace(v) == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse $%s=%q", key, v)
	}
	return i, nil
}
