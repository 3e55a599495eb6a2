package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGPUConfig(t *testing.T) {
	c := DefaultGPUConfig()
	assert.False(t, c.UseGPU)
	assert.Equal(t, 0, c.DeviceID)
	assert.Zero(t, c.GPUMemLimit)
	assert.Equal(t, "kNextPowerOfTwo", c.ArenaExtendStrategy)
	assert.Equal(t, "DEFAULT", c.CUDNNConvAlgoSearch)
}

func TestValidateGPUConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GPUConfig)
		wantErr bool
	}{
		{"cpu ignores options", func(c *GPUConfig) { c.DeviceID = -1 }, false},
		{"valid gpu", func(c *GPUConfig) { c.UseGPU = true }, false},
		{"negative device", func(c *GPUConfig) { c.UseGPU, c.DeviceID = true, -1 }, true},
		{"bad arena", func(c *GPUConfig) { c.UseGPU, c.ArenaExtendStrategy = true, "grow" }, true},
		{"bad cudnn", func(c *GPUConfig) { c.UseGPU, c.CUDNNConvAlgoSearch = true, "FAST" }, true},
		{"empty strings use runtime defaults", func(c *GPUConfig) {
			c.UseGPU, c.ArenaExtendStrategy, c.CUDNNConvAlgoSearch = true, "", ""
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultGPUConfig()
			tt.mutate(&c)
			err := ValidateGPUConfig(c)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCUDASettings(t *testing.T) {
	c := DefaultGPUConfig()
	c.UseGPU, c.DeviceID, c.GPUMemLimit = true, 1, 2<<30

	s := cudaSettings(c)
	assert.Equal(t, "1", s["device_id"])
	assert.Equal(t, "2147483648", s["gpu_mem_limit"])
	assert.Equal(t, "kNextPowerOfTwo", s["arena_extend_strategy"])
	assert.Equal(t, "DEFAULT", s["cudnn_conv_algo_search"])
	assert.Equal(t, "1", s["do_copy_in_default_stream"])

	c.GPUMemLimit, c.ArenaExtendStrategy = 0, ""
	s = cudaSettings(c)
	assert.NotContains(t, s, "gpu_mem_limit")
	assert.NotContains(t, s, "arena_extend_strategy")
}
