// Package main DealerDesk CRM API
//
// Opportunity tracking and sales reporting backend for automotive dealer groups.
//
// Terms Of Service:
// https://dealerdesk.io/terms
//
// Schemes: http, https
// Host: localhost:8080
// BasePath: /api/v1
// Version: 0.1.0
// Contact: DealerDesk Support <support@dealerdesk.io> https://dealerdesk.io
//
// Consumes:
// - application/json
//
// Produces:
// - application/json
//
// Security:
// - bearerAuth: []
//
// SecurityDefinitions:
// bearerAuth:
//   type: apiKey
//   name: Authorization
//   in: header
//   description: JWT token in format "Bearer {token}"
//
// swagger:meta
package main
