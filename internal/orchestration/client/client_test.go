package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/mock"
)

func TestRegistryResolvesMock(t *testing.T) {
	require.True(t, client.IsRegistered(client.BackendMock))

	inv, err := client.NewInvoker(client.BackendMock)
	require.NoError(t, err)
	assert.Equal(t, client.BackendMock, inv.Backend())

	_, err = client.NewInvoker(client.Backend("nope"))
	assert.ErrorIs(t, err, client.ErrUnknownBackend)
}

func TestMockScripting(t *testing.T) {
	m := mock.New(
		mock.Script{Match: "fail", Err: errors.New("induced")},
		mock.Script{Match: "", Response: "done"},
	)

	resp, err := m.Invoke(context.Background(), client.Request{Prompt: "build it"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)

	_, err = m.Invoke(context.Background(), client.Request{Prompt: "please fail"})
	require.Error(t, err)
	assert.Equal(t, client.KindProcess, client.KindOf(err))

	assert.Len(t, m.Calls(), 2)
}

func TestClassifyTimeout(t *testing.T) {
	m := mock.New(mock.Script{Match: "", Response: "slow", Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Invoke(ctx, client.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, client.KindTimeout, client.KindOf(err))
}

func TestClassifyCancelled(t *testing.T) {
	m := mock.New(mock.Script{Match: "", Response: "slow", Delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Invoke(ctx, client.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, client.KindCancelled, client.KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, client.KindProcess, client.KindOf(errors.New("plain")))
	assert.Equal(t, client.KindTimeout, client.KindOf(context.DeadlineExceeded))
	assert.Equal(t, client.KindCancelled, client.KindOf(context.Canceled))
}
