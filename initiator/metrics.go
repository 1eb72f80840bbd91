/*
 Copyright © 2020 The OpenEBS Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package initiator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pdusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsid_pdus_total",
			Help: "Number of iSCSI PDUs sent and received.",
		},
		[]string{"direction", "opcode"},
	)
	sessionStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iscsid_sessions",
			Help: "Number of sessions per state.",
		},
		[]string{"state"},
	)
	connectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iscsid_connection_failures_total",
			Help: "Number of connections failed by transport or protocol errors.",
		},
	)
	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iscsid_tasks_in_flight",
			Help: "Number of tasks issued on a connection and not completed.",
		},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iscsid_task_duration_seconds",
			Help:    "Time from issuing a task on a connection to its completion.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(pdusTotal)
	prometheus.MustRegister(sessionStates)
	prometheus.MustRegister(connectionFailures)
	prometheus.MustRegister(tasksInFlight)
	prometheus.MustRegister(taskDuration)
}
