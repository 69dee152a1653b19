package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

type fakeClient struct {
	queries     []string
	inserted    []Job
	collections map[string]bool
	created     int
	jobErr      error
	insertErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{collections: make(map[string]bool)}
}

func (c *fakeClient) CreateJob(_ context.Context, query string, params map[string]string) (string, error) {
	if c.jobErr != nil {
		return "", c.jobErr
	}
	c.queries = append(c.queries, query)
	return fmt.Sprintf("sid-%d", len(c.queries)), nil
}

func (c *fakeClient) CollectionExists(_ context.Context, name string) (bool, error) {
	return c.collections[name], nil
}

func (c *fakeClient) CreateCollection(_ context.Context, name string) error {
	c.created++
	c.collections[name] = true
	return nil
}

func (c *fakeClient) Insert(_ context.Context, collection string, doc interface{}) (string, error) {
	if c.insertErr != nil {
		return "", c.insertErr
	}
	c.inserted = append(c.inserted, doc.(Job))
	return "key", nil
}

func newTestDispatcher(c JobClient, max int) *Dispatcher {
	d := NewDispatcher(c, config.SearchConfig{Index: "main", MaxPerRun: max}, logger.Discard())
	d.now = func() time.Time { return time.Unix(1700000000, 500000000) }
	return d
}

func request(id, query string) Request {
	return Request{
		Indicator: &stix.Indicator{
			ID:              id,
			Pattern:         "[url:value = 'http://x']",
			PatternType:     "stix",
			KillChainPhases: []stix.KillChainPhase{{KillChainName: "lockheed", PhaseName: "delivery"}},
		},
		Query: query,
	}
}

func TestSearchQuery(t *testing.T) {
	d := newTestDispatcher(newFakeClient(), 0)

	q := d.SearchQuery(`search (url="http://x") earliest="-5minutes"`, "indicator--1")
	assert.Equal(t,
		`search (url="http://x") index=main earliest="-5minutes"`+
			` | stats values(index) as match_indexes earliest(_time) as match_first_seen latest(_time) as match_last_seen count as match_count`+
			` | eval indicator_id="indicator--1"`+
			` | lookup sioc_lookup indicator_id AS indicator_id OUTPUTNEW`+
			` | outputlookup sioc_lookup append=True key_field=_key max=1`,
		q)

	q = d.SearchQuery(`search url="a" earliest="-5minutes" | head 10000 | fields url, src_ip`, "indicator--1")
	assert.Contains(t, q, `| fields url, src_ip, index | stats values(index)`)
}

func TestDispatch(t *testing.T) {
	c := newFakeClient()
	d := newTestDispatcher(c, 10)

	outcomes := d.Dispatch(context.Background(), []Request{
		request("indicator--1", `search url="a" earliest="-5minutes"`),
		request("indicator--2", ""),
		request("indicator--3", `search url="b" earliest="-5minutes"`),
	})

	assert.Equal(t, []Outcome{
		{IndicatorID: "indicator--1", JobID: "sid-1", Status: StatusTriggered},
		{IndicatorID: "indicator--2", Status: StatusNoPattern},
		{IndicatorID: "indicator--3", JobID: "sid-2", Status: StatusTriggered},
	}, outcomes)

	assert.Equal(t, 1, c.created, "tracking collection created once")
	require.Len(t, c.inserted, 2)
	job := c.inserted[0]
	assert.Equal(t, "sid-1", job.JobID)
	assert.Equal(t, StatusTriggered, job.Status)
	assert.InDelta(t, 1700000000.5, job.TriggeredAt, 0.001)
	assert.Zero(t, job.MatchCount)
	assert.Equal(t, []string{"lockheed:delivery"}, job.IndicatorKillChainPhases)
	assert.Equal(t, `search url="a" earliest="-5minutes"`, job.IndicatorXPatternSplunk)
}

func TestDispatchLimit(t *testing.T) {
	c := newFakeClient()
	d := newTestDispatcher(c, 2)

	var requests []Request
	for i := 0; i < 5; i++ {
		requests = append(requests, request(fmt.Sprintf("indicator--%d", i), `search a earliest="-5minutes"`))
	}
	outcomes := d.Dispatch(context.Background(), requests)

	statuses := make([]string, len(outcomes))
	for i, o := range outcomes {
		statuses[i] = o.Status
	}
	assert.Equal(t, []string{StatusTriggered, StatusTriggered, StatusDeferred, StatusDeferred, StatusDeferred}, statuses)
	assert.Len(t, c.queries, 2)
}

func TestDispatchFailures(t *testing.T) {
	c := newFakeClient()
	c.jobErr = errors.New("search head down")
	d := newTestDispatcher(c, 1)

	outcomes := d.Dispatch(context.Background(), []Request{
		request("indicator--1", `search a earliest="-5minutes"`),
		request("indicator--2", `search b earliest="-5minutes"`),
	})
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Equal(t, StatusDeferred, outcomes[1].Status, "failed attempts count against the limit")
}

func TestDispatchTrackingFailureKeepsJob(t *testing.T) {
	c := newFakeClient()
	c.insertErr = errors.New("kvstore down")
	d := newTestDispatcher(c, 5)

	outcomes := d.Dispatch(context.Background(), []Request{request("indicator--1", `search a earliest="-5minutes"`)})
	assert.Equal(t, StatusTriggered, outcomes[0].Status)
	assert.Equal(t, "sid-1", outcomes[0].JobID)
}
