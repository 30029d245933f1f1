// Package simtest provides a compact, fast configuration for tests that run
// whole simulated days.
package simtest

import (
	"aquasim/internal/config"
	"fmt"
)

const doc = `
seed: 42
start_date: 2016-03-01
days: 90
chunk_days: 10
samples_per_day: 2
growth_sample_interval_days: 5
fact_batch_size: 64
store:
  driver: memory
cohort:
  name_prefix: test
  count: 6000
  initial_weight_g: 1.0
  origin: external
stages:
  - name: fry
    container_types: [fry_tank]
    duration_days: {min: 10, max: 12}
    tgc: 0.0014
    base_mortality: 0.002
    optimal_temperature: {min: 6, max: 14}
    min_oxygen: 6.0
    feed_type: starter
    feed_rates:
      - {below_c: 10, percent: 3.0}
      - {below_c: 40, percent: 4.0}
  - name: smolt
    container_types: [smolt_tank]
    duration_days: {min: 10, max: 12}
    tgc: 0.0016
    base_mortality: 0.001
    optimal_temperature: {min: 6, max: 14}
    min_oxygen: 6.0
    feed_type: grower
    feed_rates:
      - {below_c: 40, percent: 2.0}
  - name: adult
    container_types: [sea_cage]
    duration_days: {min: 20, max: 25}
    tgc: 0.0021
    base_mortality: 0.0005
    optimal_temperature: {min: 6, max: 15}
    min_oxygen: 6.0
    single_location: true
    feed_type: grower
    feed_rates:
      - {below_c: 40, percent: 1.0}
diseases:
  - name: lice
    stages: [adult]
    daily_probability: 0.2
    peak_day: 100
    seasonal_amplitude: 0
    multiplier: 1.5
    duration_days: {min: 3, max: 5}
    treatment_probability: 1
    treatment_delay_days: 1
    effectiveness: 0.5
    withholding_days: 5
weather:
  - name: storm
    scope: location
    daily_probability: 0.05
    peak_day: 60
    seasonal_amplitude: 0.5
    duration_days: {min: 1, max: 2}
    offsets: {temperature: -1.0, oxygen: 0.5}
  - name: bloom
    scope: container
    daily_probability: 0.03
    peak_day: 60
    seasonal_amplitude: 0.5
    duration_days: {min: 2, max: 3}
    offsets: {oxygen: -1.5}
feed:
  types:
    - name: starter
      base_price: 2.40
      seasonal_amplitude: 0.05
      peak_day: 30
      market_variation: 0.05
      initial_stock_kg: 5
      reorder_threshold_kg: 3
      reorder_quantity_kg: 10
      lead_time_days: 2
    - name: grower
      base_price: 1.80
      seasonal_amplitude: 0.05
      peak_day: 30
      market_variation: 0.06
      initial_stock_kg: 20
      reorder_threshold_kg: 10
      reorder_quantity_kg: 40
      lead_time_days: 3
topology:
  - name: hatch-a
    containers:
      - {type: fry_tank, count: 2, capacity: 4000}
      - {type: smolt_tank, count: 2, capacity: 3500}
  - name: hatch-b
    containers:
      - {type: fry_tank, count: 2, capacity: 4000}
      - {type: smolt_tank, count: 2, capacity: 3500}
  - name: fjord-a
    saline: true
    containers:
      - {type: sea_cage, count: 2, capacity: 4000}
  - name: fjord-b
    saline: true
    containers:
      - {type: sea_cage, count: 1, capacity: 10000}
`

// YAML returns the configuration document, for tests that go through files.
func YAML() []byte { return []byte(doc) }

// Config returns a validated three-stage configuration over four small
// locations. One cohort finishes its lifecycle in roughly 45 days.
func Config() config.Config {
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("simtest: %v", err))
	}
	return cfg
}
