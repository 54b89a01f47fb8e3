//go:build !cgo

package vad

func newWebRTC(int, EnergyClassifier) (Classifier, error) {
	return nil, errPrimaryUnavailable
}
