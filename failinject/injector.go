/*
 *  Copyright 2022 Square Inc.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

package failinject

import (
	"fmt"
	"sync"

	"github.com/squareup/blockmgr/errors"
)

// Failpoints checked on the migration path.
const (
	// TransferRecordFailpoint is checked before each record of a migrating partition is sent to the new owner.
	TransferRecordFailpoint = "transfer_record"
	// BackupRecordFailpoint is checked before a record is pushed to a backup member.
	BackupRecordFailpoint = "backup_record"
)

func NewInjector() Injector {
	return &defaultInjector{failpoints: make(map[string]*defaultFailpoint)}
}

type Injector interface {
	RegisterFailpoint(name string) (Failpoint, error)
	GetFailpoint(name string) Failpoint
	Start() error
	Stop() error
}

type Failpoint interface {
	CheckFail() error
	SetFailAction(action FailAction)
	Deactivate()
}

type FailAction func() error

type defaultInjector struct {
	failpoints map[string]*defaultFailpoint
	lock       sync.Mutex
}

type defaultFailpoint struct {
	name       string
	lock       sync.Mutex
	failAction FailAction
}

func (i *defaultInjector) RegisterFailpoint(name string) (Failpoint, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if _, ok := i.failpoints[name]; ok {
		return nil, errors.Errorf("failpoint %s already registered", name)
	}
	fp := &defaultFailpoint{
		name: name,
	}
	i.failpoints[name] = fp
	return fp, nil
}

func (i *defaultInjector) GetFailpoint(name string) Failpoint {
	i.lock.Lock()
	defer i.lock.Unlock()
	fp, ok := i.failpoints[name]
	if !ok {
		panic(fmt.Sprintf("no failpoint registered with name %s", name))
	}
	return fp
}

func (f *defaultFailpoint) CheckFail() error {
	f.lock.Lock()
	action := f.failAction
	f.lock.Unlock()
	if action == nil {
		return nil
	}
	return action()
}

func (f *defaultFailpoint) SetFailAction(action FailAction) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failAction = action
}

func (f *defaultFailpoint) Deactivate() {
	f.SetFailAction(nil)
}

func (i *defaultInjector) Start() error {
	i.lock.Lock()
	registered := len(i.failpoints) > 0
	i.lock.Unlock()
	if registered {
		return nil
	}
	if _, err := i.RegisterFailpoint(TransferRecordFailpoint); err != nil {
		return err
	}
	_, err := i.RegisterFailpoint(BackupRecordFailpoint)
	return err
}

func (i *defaultInjector) Stop() error {
	return nil
}
