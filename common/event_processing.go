// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit submit a new task parameter for processing. Blocks while the task buffer
	// is full, until the context is cancelled or the event loop stops.
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam process a new task parameter in the caller's goroutine
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap replace the task param to execution mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add a new entry to the task param to execution mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start the event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name          string
	operationCtxt context.Context
	contextCancel context.CancelFunc
	newTasks      chan interface{}
	executionMap  map[reflect.Type]TaskHandler
	mapLock       sync.RWMutex
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	name string, taskBuffer int, ctxt context.Context,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("task buffer length must be positive, got %d", taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": fmt.Sprintf("task-processor/%s", name),
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:     Component{LogTags: logTags},
		name:          name,
		operationCtxt: optCtxt,
		contextCancel: cancel,
		newTasks:      make(chan interface{}, taskBuffer),
		executionMap:  make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operationCtxt.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		log.WithFields(p.LogTags).Debugf("Accepted new %s", reflect.TypeOf(newTaskParam))
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtxt.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.contextCancel()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.mapLock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapSize := len(p.executionMap)
	p.mapLock.RUnlock()
	if mapSize == 0 {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	log.WithFields(p.LogTags).Debugf("Processing new %s", reflect.TypeOf(newTaskParam))
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtxt.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}
