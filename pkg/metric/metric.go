// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered in a package-wide set when they are created and are
// exported on demand in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Namespace prefixes every exported metric name.
const Namespace = "rvkernel"

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with '/'")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps a combination of field values to a single integer key.
type fieldMapper struct {
	fields []Field
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
	}
	return fieldMapper{fields: fields}, nil
}

// numKeys returns the number of distinct field value combinations.
func (m fieldMapper) numKeys() int {
	n := 1
	for _, f := range m.fields {
		n *= len(f.allowedValues)
	}
	return n
}

// lookup returns the key for the given field values. It panics on a wrong
// number of values or a value that is not allowed.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(fieldValues), len(m.fields)))
	}
	key := 0
	for i, f := range m.fields {
		idx := -1
		for j, v := range f.allowedValues {
			if v == fieldValues[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("invalid value %q for field %q", fieldValues[i], f.name))
		}
		key = key*len(f.allowedValues) + idx
	}
	return key
}

// keyToFields is the inverse of lookup.
func (m fieldMapper) keyToFields(key int) []string {
	vals := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		vals[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return vals
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper

	// value overrides fields for custom metrics.
	value func() uint64
}

// metricSet holds every registered metric.
type metricSet struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{metrics: make(map[string]*Uint64Metric)}
}

func (s *metricSet) register(m *Uint64Metric) error {
	if !strings.HasPrefix(m.name, "/") {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[m.name]; ok {
		return ErrNameInUse
	}
	s.metrics[m.name] = m
	return nil
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  true,
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numKeys()),
	}
	if err := allMetrics.register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a gauge whose value is produced by
// value at export time.
func RegisterCustomUint64Metric(name string, description string, value func() uint64) error {
	return allMetrics.register(&Uint64Metric{
		name:        name,
		description: description,
		value:       value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	if m.value != nil {
		return m.value()
	}
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// promName converts /component/name to namespace_component_name.
func promName(name string) string {
	return Namespace + strings.ReplaceAll(name, "/", "_")
}

// family builds the exposition form of m.
func (m *Uint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(promName(m.name)),
		Help: proto.String(m.description),
		Type: typ.Enum(),
	}
	sample := func(v uint64, labels []*dto.LabelPair) *dto.Metric {
		if m.cumulative {
			return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: proto.Float64(float64(v))}}
		}
		return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(float64(v))}}
	}
	if m.value != nil {
		mf.Metric = append(mf.Metric, sample(m.value(), nil))
		return mf
	}
	for key := range m.fields {
		var labels []*dto.LabelPair
		for i, v := range m.fieldMapper.keyToFields(key) {
			labels = append(labels, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, sample(m.fields[key].Load(), labels))
	}
	return mf
}

// WriteText writes every registered metric to w in the Prometheus text
// format, sorted by name.
func WriteText(w io.Writer) error {
	allMetrics.mu.Lock()
	names := make([]string, 0, len(allMetrics.metrics))
	for name := range allMetrics.metrics {
		names = append(names, name)
	}
	ms := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		ms = append(ms, allMetrics.metrics[name])
	}
	allMetrics.mu.Unlock()

	for _, m := range ms {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
