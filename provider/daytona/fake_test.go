package daytona

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverbox/serverbox"
)

func TestFakeCreateFindLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	sb, err := f.CreateSandbox(ctx, serverbox.SandboxSpec{ID: "sbx-1"})
	require.NoError(t, err)
	require.Equal(t, "sbx-1", sb.ID)
	require.Equal(t, serverbox.SandboxStateRunning, sb.State)

	found, err := f.FindSandbox(ctx, "sbx-1")
	require.NoError(t, err)
	require.Equal(t, sb, found)

	require.NoError(t, f.StopSandbox(ctx, sb))
	found, err = f.FindSandbox(ctx, "sbx-1")
	require.NoError(t, err)
	require.Equal(t, serverbox.SandboxStateStopped, found.State)

	require.NoError(t, f.StartSandbox(ctx, sb))
	found, err = f.FindSandbox(ctx, "sbx-1")
	require.NoError(t, err)
	require.Equal(t, serverbox.SandboxStateRunning, found.State)
	require.Equal(t, 1, f.StartCallCount)
}

func TestFakeFindMissingReturnsSandboxNotFound(t *testing.T) {
	f := NewFake()
	_, err := f.FindSandbox(context.Background(), "ghost")
	require.True(t, serverbox.IsKind(err, serverbox.KindSandboxNotFound))
}

func TestFakeCreateErrorInjection(t *testing.T) {
	f := NewFake()
	f.CreateError = errors.New("boom")
	_, err := f.CreateSandbox(context.Background(), serverbox.SandboxSpec{ID: "x"})
	require.ErrorIs(t, err, f.CreateError)
	require.Equal(t, 1, f.CreateCallCount)
}

func TestFakeCreateDelayRespectsContextCancellation(t *testing.T) {
	f := NewFake()
	f.CreateDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.CreateSandbox(ctx, serverbox.SandboxSpec{ID: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeUploadDownloadRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	sb, err := f.CreateSandbox(ctx, serverbox.SandboxSpec{ID: "sbx-2"})
	require.NoError(t, err)

	require.NoError(t, f.Upload(ctx, sb, "/tmp/hello.txt", strings.NewReader("hi")))
	data, err := f.Download(ctx, sb, "/tmp/hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	_, err = f.Download(ctx, sb, "/tmp/missing.txt")
	require.True(t, serverbox.IsKind(err, serverbox.KindSandboxNotFound))
}

func TestFakeRemoveSandbox(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	sb, err := f.CreateSandbox(ctx, serverbox.SandboxSpec{ID: "sbx-3"})
	require.NoError(t, err)

	require.NoError(t, f.RemoveSandbox(ctx, sb))
	_, err = f.FindSandbox(ctx, "sbx-3")
	require.True(t, serverbox.IsKind(err, serverbox.KindSandboxNotFound))

	err = f.RemoveSandbox(ctx, sb)
	require.True(t, serverbox.IsKind(err, serverbox.KindSandboxNotFound))
}

func TestFakeGetPreviewLink(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	sb, err := f.CreateSandbox(ctx, serverbox.SandboxSpec{ID: "sbx-4"})
	require.NoError(t, err)

	link, err := f.GetPreviewLink(ctx, sb, 8080)
	require.NoError(t, err)
	require.NotEmpty(t, link.URL)
	require.NotEmpty(t, link.Token)
}
