// Package redirect computes where a caller lands after an authentication
// attempt.
//
// A PolicyResolver walks an ordered rule table loaded from YAML and returns
// the first matching rule's target, or Ignored when no rule applies:
//
//	allowed_hosts: [app.example.com]
//	callbacks:
//	  form: /login
//	rules:
//	  - method: password
//	    action: signup
//	    target: https://app.example.com/welcome?account={account_id}
//	  - action: logout
//	    target: "{callback}?signed_out=1"
//	  - method: "*"
//	    allow_redirect_uri: true
//	    target: https://app.example.com/
//	    pass_params: [state]
package redirect
