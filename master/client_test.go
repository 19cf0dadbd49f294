package master_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/testutil"
)

func newClient(t *testing.T) (*master.Client, *testutil.FakeMaster) {
	t.Helper()
	fake := testutil.NewFakeMaster(t)
	return master.NewClient(fake.URI(), "/test_node"), fake
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_RegisterSubscriberReturnsPublishers(t *testing.T) {
	requireT := require.New(t)
	client, _ := newClient(t)
	ctx := ctxWithTimeout(t)

	// No publishers yet.
	uris, err := client.RegisterSubscriber(ctx, "/foo", "std_msgs/String", "http://sub:1/")
	requireT.NoError(err)
	requireT.Empty(uris)

	// A publisher appears; a fresh subscriber registration sees it.
	_, err = client.RegisterPublisher(ctx, "/foo", "std_msgs/String", "http://pub:1/")
	requireT.NoError(err)

	uris, err = client.RegisterSubscriber(ctx, "/foo", "std_msgs/String", "http://sub2:1/")
	requireT.NoError(err)
	requireT.Equal([]string{"http://pub:1/"}, uris)
}

func TestClient_UnregisterCounts(t *testing.T) {
	requireT := require.New(t)
	client, _ := newClient(t)
	ctx := ctxWithTimeout(t)

	_, err := client.RegisterPublisher(ctx, "/foo", "std_msgs/String", "http://pub:1/")
	requireT.NoError(err)

	n, err := client.UnregisterPublisher(ctx, "/foo", "http://pub:1/")
	requireT.NoError(err)
	requireT.Equal(1, n)

	n, err = client.UnregisterPublisher(ctx, "/foo", "http://pub:1/")
	requireT.NoError(err)
	requireT.Equal(0, n)
}

func TestClient_ServiceLifecycle(t *testing.T) {
	requireT := require.New(t)
	client, fake := newClient(t)
	ctx := ctxWithTimeout(t)

	requireT.NoError(client.RegisterService(ctx, "/add_two_ints", "rosrpc://host:3000", "http://node:1/"))
	requireT.Equal("rosrpc://host:3000", fake.Services("/add_two_ints"))

	uri, err := client.LookupService(ctx, "/add_two_ints")
	requireT.NoError(err)
	requireT.Equal("rosrpc://host:3000", uri)

	n, err := client.UnregisterService(ctx, "/add_two_ints", "rosrpc://host:3000")
	requireT.NoError(err)
	requireT.Equal(1, n)

	// Lookup of a missing service surfaces the directory failure.
	_, err = client.LookupService(ctx, "/add_two_ints")
	requireT.Error(err)
	requireT.ErrorIs(err, errors.ErrMasterRejected)
}

func TestClient_FailureStatusBecomesMasterError(t *testing.T) {
	requireT := require.New(t)
	client, fake := newClient(t)
	ctx := ctxWithTimeout(t)

	fake.SetFailing(true)
	_, err := client.RegisterPublisher(ctx, "/foo", "std_msgs/String", "http://pub:1/")
	requireT.Error(err)
	requireT.ErrorIs(err, errors.ErrMasterRejected)
	requireT.True(errors.IsTransient(err))
}

func TestClient_UnreachableMasterIsTransient(t *testing.T) {
	requireT := require.New(t)
	client := master.NewClient("http://127.0.0.1:1/", "/test_node")
	ctx := ctxWithTimeout(t)

	_, err := client.RegisterPublisher(ctx, "/foo", "std_msgs/String", "http://pub:1/")
	requireT.Error(err)
	requireT.True(errors.IsTransient(err))
}

func TestClient_GetURI(t *testing.T) {
	requireT := require.New(t)
	client, fake := newClient(t)
	ctx := ctxWithTimeout(t)

	uri, err := client.GetURI(ctx)
	requireT.NoError(err)
	requireT.Equal(fake.URI(), uri)
}
