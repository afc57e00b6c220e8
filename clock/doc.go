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

/*
Package clock contains a wrapper around CLOCK_ADJTIME syscall.

It is the physical clock boundary of the discipline daemon:
  - stepping the clock forwards or backwards (Step)
  - one-shot adjtime(3) style slewing (SlewOnce, SlewRemaining)
  - reading and setting the frequency (FrequencyPPB, AdjFreqPPB)
  - driving the in-kernel PLL and reading back its estimates (KernelPLL)
  - leap second status bits and the TAI offset (SetLeap, SetTAI)
  - measuring the clock read precision (Precision)

SystemClock puts all of that behind the interfaces the discipline loop and
leap coordinator use.
*/
package clock
