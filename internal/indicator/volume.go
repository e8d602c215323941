package indicator

// VolumeSignal is the ratio of the mean of the last 5 volumes to the mean of
// the 15 volumes before them. Signal: buy above 1.5, sell below 0.5. A zero
// baseline gives ratio 1.
func VolumeSignal(volumes []float64) (Result, error) {
	if len(volumes) < VolumeLookback {
		return Result{}, insufficient(NameVolume, len(volumes), VolumeLookback)
	}
	n := len(volumes)
	recent := mean(volumes[n-VolumeRecent:])
	baseline := mean(volumes[n-VolumeLookback : n-VolumeRecent])

	ratio := 1.0
	if baseline != 0 {
		ratio = recent / baseline
	}

	signal := Neutral
	switch {
	case ratio > 1.5:
		signal = Buy
	case ratio < 0.5:
		signal = Sell
	}
	return Result{Name: NameVolume, Value: ratio, Signal: signal, Weight: VolumeWeight}, nil
}
