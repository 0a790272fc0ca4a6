package datastream

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	childRoleEnv = "DATASTREAM_TEST_CHILD"
	childDirEnv  = "DATASTREAM_TEST_DIR"
)

// TestChildReader runs only inside the process started by
// TestReadAcrossProcesses.
func TestChildReader(t *testing.T) {
	if os.Getenv(childRoleEnv) != "reader" {
		t.Skip("started by TestReadAcrossProcesses")
	}
	reg := NewRegistry(WithDir(os.Getenv(childDirEnv)))

	// The parent is alive and owns the name, so it is not stale.
	_, err := reg.Create("shared", Uint64, []int{4}, 8)
	require.ErrorIs(t, err, ErrAlreadyExists)

	c, err := reg.Open("shared", WithMode(OldestFirstOverwrite))
	require.NoError(t, err)
	defer c.Close()

	for want := uint64(0); want < 3; want++ {
		f, err := c.GetNextFrameTimeout(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, want, f.ID)
		require.True(t, intact(f))
	}
	fmt.Println("ready")

	f, err := c.GetNextFrameTimeout(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(3), f.ID)
	require.True(t, intact(f))
	fmt.Println("ok")
}

func TestReadAcrossProcesses(t *testing.T) {
	if os.Getenv(childRoleEnv) != "" {
		t.Skip("parent only")
	}
	reg := newTestRegistry(t)
	p, err := reg.Create("shared", Uint64, []int{4}, 8)
	require.NoError(t, err)
	defer p.Close()
	submitN(t, p, 3)

	cmd := exec.Command(os.Args[0], "-test.run=^TestChildReader$", "-test.count=1")
	cmd.Env = append(os.Environ(), childRoleEnv+"=reader", childDirEnv+"="+reg.Dir())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	var lines []string
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if sc.Text() == "ready" {
			break
		}
	}
	require.Contains(t, lines, "ready", "child output:\n%s\n%s", strings.Join(lines, "\n"), stderr.String())

	// Give the child time to block on the next frame.
	time.Sleep(20 * time.Millisecond)
	submitN(t, p, 1)

	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	err = cmd.Wait()
	require.NoError(t, err, "child output:\n%s\n%s", strings.Join(lines, "\n"), stderr.String())
	assert.Contains(t, lines, "ok")
}
