package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBrowser() *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		id:            "b-1",
		allocCancel:   func() {},
		browserCtx:    ctx,
		browserCancel: cancel,
	}
}

func TestNewFactoryDefaults(t *testing.T) {
	f := NewFactory(Config{Headless: true}, nil)
	assert.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
	assert.NotNil(t, f.logger)

	base := len(NewFactory(Config{}, nil).allocatorOptions())
	withExtras := len(NewFactory(Config{UserAgent: "ua", ExecPath: "/usr/bin/chromium"}, nil).allocatorOptions())
	assert.Equal(t, base+2, withExtras)
}

func TestValidateAndDestroy(t *testing.T) {
	f := NewFactory(Config{}, nil)
	b := fakeBrowser()
	assert.True(t, f.Validate(context.Background(), b))

	b.tabs.Add(1)
	assert.False(t, f.Validate(context.Background(), b), "browser with an open tab is not reusable")
	b.tabs.Add(-1)

	require.NoError(t, f.Destroy(b))
	assert.False(t, b.Alive())
	assert.False(t, f.Validate(context.Background(), b))
	require.NoError(t, f.Destroy(b))
	require.NoError(t, f.Destroy(nil))
	assert.False(t, f.Validate(context.Background(), nil))
}

func TestNewTabOnClosedBrowser(t *testing.T) {
	b := fakeBrowser()
	b.close()
	_, err := b.NewTab(context.Background())
	require.ErrorIs(t, err, ErrBrowserClosed)
}

func TestClosedTabRefusesWork(t *testing.T) {
	b := fakeBrowser()
	b.tabs.Add(1)
	tab := &Tab{browser: b, ctx: b.browserCtx, cancel: func() {}}
	require.NoError(t, tab.Close())
	require.NoError(t, tab.Close())
	assert.Zero(t, b.OpenTabs())

	_, err := tab.Present(context.Background(), "iframe#chatframe")
	require.ErrorIs(t, err, ErrBrowserClosed)
}

func TestForwardCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context was not canceled")
	}
}

func TestForwardCancelStop(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	stop()
	cancelParent()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, child.Err())

	forwardCancel(nil, cancelChild)()
}

func TestHostBudget(t *testing.T) {
	var nilBudget *hostBudget
	require.NoError(t, nilBudget.wait(context.Background(), "https://www.youtube.com/watch?v=a"))
	require.NoError(t, newHostBudget(0).wait(context.Background(), "https://www.youtube.com/watch?v=a"))

	budget := newHostBudget(1)
	require.NoError(t, budget.wait(context.Background(), "https://www.youtube.com/watch?v=a"))
	require.NoError(t, budget.wait(context.Background(), "https://example.com/"), "hosts are budgeted separately")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := budget.wait(ctx, "https://WWW.YouTube.com/watch?v=b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait navigation budget")

	require.Error(t, budget.wait(context.Background(), "://bad"))
}
