/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package servo

//go:generate mockgen -source=kernel.go -destination=kernel_mock.go -package=servo

// Clock is the physical clock the loop steers
type Clock interface {
	// Step moves the clock by delta seconds, once
	Step(delta float64) error
	// Slew adds adj seconds of correction to the clock over the next second
	Slew(adj float64) error
}

// KernelParams is what we hand over to the in-kernel PLL on every accepted update
type KernelParams struct {
	Offset       float64 // seconds, phase the kernel should absorb
	TimeConstant int     // log2 poll interval
	EstError     float64 // seconds
	MaxError     float64 // seconds
	Frequency    float64 // s/s, only used when SetFrequency is true
	SetFrequency bool
	Leap         int // +1 insert, -1 delete, 0 none
	// StatusOnly updates only the leap bits, everything else is ignored
	StatusOnly bool
}

// KernelFeedback is what the in-kernel PLL reports back
type KernelFeedback struct {
	Frequency float64 // s/s
	Jitter    float64 // seconds, 0 when the kernel has no estimate
}

// KernelDiscipline is an in-kernel clock discipline facility.
// A nil KernelDiscipline means the platform has none.
type KernelDiscipline interface {
	Apply(p *KernelParams) (*KernelFeedback, error)
}
