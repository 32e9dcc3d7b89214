// Copyright 2024 Mmate Contributors
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

// Package mmq connects micro modules over a topic exchange.
//
// Routing keys starting with "query." are queries: they are published
// non-persistent with direct reply-to, and the caller waits for the first
// reply or a timeout. Every other key is an event, published persistent
// through a confirm channel.
//
// Basic usage:
//
//	hub, err := mmq.Dial("amqp://localhost", mmq.WithModuleName("greeter"))
//	if err != nil {
//		return err
//	}
//	defer hub.Close()
//
//	hub.EventQueue("").MustBind("command.sayHi", messaging.EventHandler(
//		func(ctx context.Context, body any, trace []string) error {
//			return nil
//		}))
//
//	if err := hub.Connect(ctx); err != nil {
//		return err
//	}
//	if err := hub.Ready(ctx); err != nil {
//		return err
//	}
//
//	reply, err := hub.Query(ctx, "query.plusOne", 12, nil)
package mmq
