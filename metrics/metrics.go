// Package metrics renders per-pass supervisor counters as a Prometheus
// textfile-collector file, via a private registry.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/civm-dev/cs-reco/cmn"
)

// Snapshot is one pass's counters.
type Snapshot struct {
	VolumesDone      int
	VolumesTotal     int
	ResourcesPending int
	JobsByState      map[string]int
}

// Render encodes snapshot into the Prometheus text exposition format and
// writes it to path.
func Render(s cmn.Storage, path string, snap Snapshot) error {
	reg := prometheus.NewRegistry()

	volumesDone := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "csreco_volumes_done",
		Help: "Number of volumes that have reached the Done state this pass.",
	})
	volumesDone.Set(float64(snap.VolumesDone))

	volumesTotal := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "csreco_volumes_total",
		Help: "Total volumes known to the run's index this pass.",
	})
	volumesTotal.Set(float64(snap.VolumesTotal))

	resourcesPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "csreco_resources_pending",
		Help: "Resources not yet in the Succeeded state this pass.",
	})
	resourcesPending.Set(float64(snap.ResourcesPending))

	jobsByState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "csreco_jobs_by_state",
		Help: "Count of known cluster jobs grouped by polled state.",
	}, []string{"state"})
	for state, count := range snap.JobsByState {
		jobsByState.WithLabelValues(state).Set(float64(count))
	}

	reg.MustRegister(volumesDone, volumesTotal, resourcesPending, jobsByState)

	families, err := reg.Gather()
	if err != nil {
		return cmn.Tagf(cmn.KindIoCorrupt, err, "gather metrics")
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return cmn.Tagf(cmn.KindIoCorrupt, err, "encode metrics")
		}
	}
	if err := s.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "write metrics textfile %s", path)
	}
	return nil
}
